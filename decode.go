package eventload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	streamerrors "github.com/tamirms/eventload/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SplitPolicy decides whether a bank's id range [lo, hi] is bucketed as two
// tasks. span is the bank's observed id span before any detector-range
// restriction. It returns mid and true to bucket [lo, mid] and [mid+1, hi]
// separately; mid must satisfy lo <= mid < hi.
type SplitPolicy func(lo, hi DetectorID, span uint32) (mid DetectorID, split bool)

// QuarterSpanSplit splits at the midpoint when [lo, hi] covers more than a
// quarter of span.
func QuarterSpanSplit(lo, hi DetectorID, span uint32) (DetectorID, bool) {
	if uint64(hi) <= uint64(lo)+uint64(span/4) {
		return hi, false
	}
	mid := DetectorID((uint64(lo) + uint64(hi)) / 2)
	return mid, mid < hi
}

// acquireDisk takes the load's single disk token.
func (l *load) acquireDisk(ctx context.Context) error {
	select {
	case l.disk <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *load) releaseDisk() {
	<-l.disk
}

// decodeBank reads one bank and returns its bucketing tasks. Bank-level
// failures are logged and produce no tasks; only cancellation and load-fatal
// errors are returned.
func (l *load) decodeBank(ctx context.Context, bank Bank) ([]bucketTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := l.log.With(slog.String("bank", bank.Name))
	ctx, span := tracer.Start(ctx, "eventload.decodeBank",
		trace.WithAttributes(attribute.String("eventload.bank", bank.Name)))
	defer span.End()

	l.progress.Report(bank.Name + ": load from disk")
	start := time.Now()

	if err := l.acquireDisk(ctx); err != nil {
		return nil, err
	}
	blk, err := l.readBank(ctx, bank, log)
	if rel, ok := l.c.(pageReleaser); ok {
		rel.ReleasePages()
	}
	l.releaseDisk()
	l.metrics.decodeSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if blk != nil {
			blk.free()
		}
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
		if errors.Is(err, streamerrors.ErrNoPulseSource) {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("bank %s: %w", bank.Name, err)
		}
		l.skipBank(bank, log, span, err)
		return nil, nil
	}

	lo, hi := blk.MinID, blk.MaxID
	bankSpan := uint32(hi - lo)
	if l.cfg.haveDetRange {
		lo = max(lo, l.cfg.detMin)
		hi = min(hi, l.cfg.detMax)
		if lo > hi {
			blk.free()
			log.Debug("bank lies outside the requested detector range")
			l.banksSkipped.Add(1)
			l.metrics.banks.WithLabelValues("skipped").Inc()
			return nil, nil
		}
	}

	tasks := []bucketTask{{block: blk, lo: lo, hi: hi}}
	if l.cfg.split != nil {
		if mid, ok := l.cfg.split(lo, hi, bankSpan); ok && mid >= lo && mid < hi {
			tasks = []bucketTask{
				{block: blk, lo: lo, hi: mid},
				{block: blk, lo: mid + 1, hi: hi},
			}
		}
	}
	blk.retain(int32(len(tasks)))

	l.banksLoaded.Add(1)
	l.metrics.banks.WithLabelValues("loaded").Inc()
	span.SetAttributes(
		attribute.Int("eventload.events", blk.Len()),
		attribute.Int("eventload.tasks", len(tasks)),
	)
	log.Debug("bank decoded",
		slog.Int("events", blk.Len()),
		slog.Uint64("min_id", uint64(lo)),
		slog.Uint64("max_id", uint64(hi)),
		slog.Int("tasks", len(tasks)),
		slog.Duration("elapsed", time.Since(start)))
	return tasks, nil
}

// readBank runs the file-reading phase of a bank under the disk token. The
// container cursor is back at the root on return.
func (l *load) readBank(ctx context.Context, bank Bank, log *slog.Logger) (blk *RawEventBlock, err error) {
	c := l.c
	if err := c.OpenGroup(l.cfg.topEntry); err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, c.CloseGroup())
	}()
	if err := c.OpenGroup(bank.Name); err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, c.CloseGroup())
	}()

	r := &bankFieldReader{c: c, cfg: l.cfg, bank: bank, maxID: l.maxID, log: log}
	eventIndex, err := r.readEventIndex()
	if err != nil {
		return nil, err
	}
	pulses, err := l.resolvePulses(c)
	if err != nil {
		return nil, err
	}
	if len(eventIndex) != pulses.NumPulses() {
		log.Warn("event_index length does not match the number of pulse times",
			slog.Int("event_index", len(eventIndex)),
			slog.Int("pulses", pulses.NumPulses()))
	}
	return r.read(ctx, eventIndex, pulses)
}

// resolvePulses returns the pulse index of the bank under the cursor,
// falling back to the instrument-wide default when the bank has no
// event_time_zero field.
func (l *load) resolvePulses(c Container) (*PulseTimeIndex, error) {
	info, err := c.OpenField(fieldTimeZero)
	if errors.Is(err, streamerrors.ErrFieldNotFound) {
		if l.cfg.defaultPulse == nil {
			return nil, streamerrors.ErrNoPulseSource
		}
		return l.cfg.defaultPulse, nil
	}
	if err != nil {
		return nil, err
	}
	sig := pulseSignature{numPulses: int(info.Len()), start: info.Attrs["offset"]}
	idx, err := l.pulses.getOrBuild(sig, func() (*PulseTimeIndex, error) {
		return readPulseTimes(c, info, l.cfg.framePeriods)
	})
	return idx, errors.Join(err, c.CloseField())
}

// skipBank records a bank that produced no tasks because of err.
func (l *load) skipBank(bank Bank, log *slog.Logger, span trace.Span, err error) {
	l.banksSkipped.Add(1)
	l.metrics.banks.WithLabelValues("skipped").Inc()
	l.progress.Report(bank.Name + ": skipping")
	err = fmt.Errorf("%w: %w", streamerrors.ErrBankSkipped, err)
	span.RecordError(err)

	switch {
	case errors.Is(err, streamerrors.ErrEmptyBank):
		log.Debug("bank is empty")
	case isValidationFailure(err):
		log.Warn("skipping bank", slog.Any("error", err))
	default:
		span.SetStatus(codes.Error, err.Error())
		log.Error("error while loading bank", slog.Any("error", err))
	}
}

// isValidationFailure reports whether err is a content problem of a bank
// rather than a failure to read the container.
func isValidationFailure(err error) bool {
	for _, target := range []error{
		streamerrors.ErrWrongElementType,
		streamerrors.ErrFieldTooSmall,
		streamerrors.ErrUnitsMismatch,
		streamerrors.ErrIDsOutOfRange,
		streamerrors.ErrEmptyRange,
		streamerrors.ErrInvalidPulseSource,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
