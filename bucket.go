package eventload

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tofSentinel bounds plausible tofs. Larger values come from corrupted
// 32-bit time fields (a negative count read as ~2.4e9 * 100ns).
const tofSentinel = 2e8

// Bucket table sentinels.
const (
	bucketUnresolved = -2
	noBucket         = -1
)

// bucketTask partitions the events of a block whose ids fall in [lo, hi].
// Tasks of one bank have disjoint ranges, so every bucket has one writer.
type bucketTask struct {
	block  *RawEventBlock
	lo, hi DetectorID
}

// bucketOutcome is the result of a completed task.
type bucketOutcome struct {
	agg        LoadAggregate
	increasing bool
	touched    int
}

// run appends the task's events to dst. On cancellation it returns ctx's
// error; events already appended stay in their buckets and the local
// aggregate is dropped.
func (t bucketTask) run(ctx context.Context, dst Destination, cfg *loadConfig, progress Progress) (bucketOutcome, error) {
	blk := t.block
	width := int(t.hi-t.lo) + 1
	done := ctx.Done()

	// buckets caches Lookup for every id in [lo, hi]. Its size is bounded by
	// the instrument maximum, which caps hi.
	buckets := make([]int, width)
	for i := range buckets {
		buckets[i] = bucketUnresolved
	}
	resolve := func(off int) int {
		if b := buckets[off]; b != bucketUnresolved {
			return b
		}
		b, ok := dst.Lookup(t.lo + DetectorID(off))
		if !ok {
			b = noBucket
		}
		buckets[off] = b
		return b
	}

	if cfg.precount {
		progress.Report(blk.Bank + ": precount")
		counts := make([]int, width)
		for _, id := range blk.IDs {
			if d := DetectorID(id); d >= t.lo && d <= t.hi {
				counts[d-t.lo]++
			}
		}
		for off, n := range counts {
			if n == 0 {
				continue
			}
			if b := resolve(off); b != noBucket {
				dst.Reserve(b, n)
			}
			select {
			case <-done:
				return bucketOutcome{}, ctx.Err()
			default:
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return bucketOutcome{}, err
	}

	progress.Report(blk.Bank + ": filling events")
	local := NewLoadAggregate()
	touched := make([]bool, width)
	cur := newPulseCursor(blk.Pulses, blk.EventIndex)
	weighted := blk.HasWeights()

	for i, id := range blk.IDs {
		if cur.advance(blk.StartAt+uint64(i)) > 0 {
			select {
			case <-done:
				return bucketOutcome{}, ctx.Err()
			default:
			}
		}

		d := DetectorID(id)
		if d < t.lo || d > t.hi {
			continue
		}
		tof := float64(blk.Tofs[i])
		// NaN fails this comparison too.
		if !(tof < tofSentinel) {
			local.BadTofs++
			continue
		}
		if tof < cfg.tofMin || tof > cfg.tofMax {
			continue
		}
		local.observeTof(tof)

		off := int(d - t.lo)
		b := resolve(off)
		if b == noBucket {
			local.DiscardedEvents++
			continue
		}
		if weighted {
			w := float64(blk.Weights[i])
			dst.AppendWeighted(b, cur.period, WeightedEvent{Tof: tof, Pulse: cur.pulse, Weight: w, ErrorSq: w * w})
		} else {
			dst.Append(b, cur.period, TofEvent{Tof: tof, Pulse: cur.pulse})
		}
		local.Events++
		touched[off] = true
	}

	order := Unsorted
	if cur.increasing {
		order = PulseTimeSort
	}
	n := 0
	for off, hit := range touched {
		if !hit {
			continue
		}
		n++
		if cfg.compressTol >= 0 {
			dst.Compress(buckets[off], cfg.compressTol)
		} else {
			dst.SetSortOrder(buckets[off], order)
		}
	}
	progress.Report(blk.Bank + ": filled events")

	return bucketOutcome{agg: local, increasing: cur.increasing, touched: n}, nil
}

// runTask runs t and folds its result into the load aggregate. The task's
// reference to its block is released on every path.
func (l *load) runTask(ctx context.Context, t bucketTask) error {
	defer t.block.release()

	ctx, span := tracer.Start(ctx, "eventload.bucket",
		trace.WithAttributes(
			attribute.String("eventload.bank", t.block.Bank),
			attribute.Int64("eventload.min_id", int64(t.lo)),
			attribute.Int64("eventload.max_id", int64(t.hi)),
		))
	defer span.End()
	start := time.Now()

	out, err := t.run(ctx, l.dst, l.cfg, l.progress)
	l.metrics.bucketSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return err
	}

	l.agg.fold(out.agg)
	l.tasks.Add(1)
	l.metrics.record(out.agg)
	span.SetAttributes(
		attribute.Int64("eventload.appended", int64(out.agg.Events)),
		attribute.Int("eventload.touched", out.touched),
	)

	l.log.Debug("bucketing task finished",
		slog.String("bank", t.block.Bank),
		slog.Bool("monotonic_pulse_times", out.increasing),
		slog.Uint64("appended", out.agg.Events),
		slog.Duration("elapsed", time.Since(start)))

	if l.cfg.memory != nil {
		l.cfg.memory()
	}
	return nil
}
