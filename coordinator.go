package eventload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tamirms/eventload/container"
	streamerrors "github.com/tamirms/eventload/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// workChanBufferMultiplier is the multiplier for work channel buffer size
	workChanBufferMultiplier = 2

	// BankSuffix marks event bank groups under the top entry.
	BankSuffix = "_events"
)

// Coordinator loads banks from a container into a destination.
//
// A Coordinator runs one load at a time. Each Run starts with an empty
// aggregate and pulse cache.
type Coordinator struct {
	c    Container
	dst  Destination
	inst Instrument
	cfg  *loadConfig

	metrics *loadMetrics
	running atomic.Bool
}

// Result describes a finished load.
type Result struct {
	// LoadID identifies the load in logs.
	LoadID string

	// Aggregate covers every completed bucketing task.
	Aggregate LoadAggregate

	// BanksLoaded counts banks that produced bucketing tasks and
	// BanksSkipped those that produced none.
	BanksLoaded  int
	BanksSkipped int

	// Tasks counts completed bucketing tasks.
	Tasks int

	// PulseSources counts distinct pulse indexes read from the container.
	PulseSources int

	// Cancelled is set when the load stopped early because its context was
	// done. Aggregate then covers only the tasks that completed.
	Cancelled bool

	Elapsed time.Duration
}

// NewCoordinator creates a coordinator over an open container.
func NewCoordinator(c Container, dst Destination, inst Instrument, opts ...LoadOption) (*Coordinator, error) {
	if c == nil || dst == nil || inst == nil {
		return nil, streamerrors.ErrNilCollaborator
	}
	cfg := defaultLoadConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.progress == nil {
		cfg.progress = nopProgress{}
	}

	m, err := newLoadMetrics(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &Coordinator{c: c, dst: dst, inst: inst, cfg: cfg, metrics: m}, nil
}

func (cfg *loadConfig) validate() error {
	if cfg.workers < 0 {
		return streamerrors.ErrInvalidWorkers
	}
	if cfg.tofMin > cfg.tofMax {
		return fmt.Errorf("%w: [%g, %g]", streamerrors.ErrInvalidTofWindow, cfg.tofMin, cfg.tofMax)
	}
	if cfg.chunk != noChunk && (cfg.chunk < 0 || cfg.eventsPerChunk == 0) {
		return fmt.Errorf("%w: chunk %d of %d events", streamerrors.ErrInvalidChunk, cfg.chunk, cfg.eventsPerChunk)
	}
	if cfg.haveDetRange && cfg.detMin > cfg.detMax {
		return fmt.Errorf("%w: range [%d, %d]", streamerrors.ErrInvalidDetectorID, cfg.detMin, cfg.detMax)
	}
	return nil
}

// load is the state of one Run.
type load struct {
	id       uuid.UUID
	c        Container
	dst      Destination
	cfg      *loadConfig
	log      *slog.Logger
	metrics  *loadMetrics
	progress Progress
	maxID    DetectorID

	agg    *sharedAggregate
	pulses *pulseCache
	disk   chan struct{} // single disk token

	banksLoaded  atomic.Int64
	banksSkipped atomic.Int64
	tasks        atomic.Int64
}

// Run loads banks. Bank-level failures are logged and counted in
// Result.BanksSkipped. Run returns an error only for load-fatal failures; a
// cancelled load returns its partial result with Cancelled set.
func (co *Coordinator) Run(ctx context.Context, banks []Bank) (*Result, error) {
	if !co.running.CompareAndSwap(false, true) {
		return nil, streamerrors.ErrLoadInProgress
	}
	defer co.running.Store(false)

	id := uuid.New()
	l := &load{
		id:       id,
		c:        co.c,
		dst:      co.dst,
		cfg:      co.cfg,
		log:      co.cfg.logger.With(slog.String("load_id", id.String())),
		metrics:  co.metrics,
		progress: co.cfg.progress,
		maxID:    co.inst.MaxDetectorID(),
		agg:      newSharedAggregate(),
		pulses:   newPulseCache(),
		disk:     make(chan struct{}, 1),
	}

	start := time.Now()
	l.log.Info("load started", slog.Int("banks", len(banks)), slog.Int("workers", co.cfg.workers))

	var err error
	if co.cfg.workers <= 1 {
		err = l.runInline(ctx, banks)
	} else {
		err = l.runParallel(ctx, banks)
	}

	res := &Result{
		LoadID:       id.String(),
		Aggregate:    l.agg.snapshot(),
		BanksLoaded:  int(l.banksLoaded.Load()),
		BanksSkipped: int(l.banksSkipped.Load()),
		Tasks:        int(l.tasks.Load()),
		PulseSources: l.pulses.len(),
		Elapsed:      time.Since(start),
	}
	if err != nil {
		if ctx.Err() == nil || !(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			l.log.Error("load failed", slog.Any("error", err))
			return nil, err
		}
		res.Cancelled = true
	}

	l.log.Info("load finished",
		slog.Int("banks_loaded", res.BanksLoaded),
		slog.Int("banks_skipped", res.BanksSkipped),
		slog.Uint64("events", res.Aggregate.Events),
		slog.Uint64("bad_tofs", res.Aggregate.BadTofs),
		slog.Uint64("discarded_events", res.Aggregate.DiscardedEvents),
		slog.Bool("cancelled", res.Cancelled),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// runInline decodes and buckets every bank on the calling goroutine.
func (l *load) runInline(ctx context.Context, banks []Bank) error {
	for _, bank := range banks {
		tasks, err := l.decodeBank(ctx, bank)
		if err != nil {
			return err
		}
		for i, t := range tasks {
			if err := l.runTask(ctx, t); err != nil {
				for _, rest := range tasks[i+1:] {
					rest.block.release()
				}
				return err
			}
		}
	}
	return nil
}

// runParallel runs a decode stage, bounded to cfg.workers banks in flight,
// feeding cfg.workers bucketing workers.
func (l *load) runParallel(ctx context.Context, banks []Bank) error {
	g, gctx := errgroup.WithContext(ctx)
	work := make(chan bucketTask, l.cfg.workers*workChanBufferMultiplier)

	g.Go(func() error {
		defer close(work)
		dg, dctx := errgroup.WithContext(gctx)
		dg.SetLimit(l.cfg.workers)
		for _, bank := range banks {
			if dctx.Err() != nil {
				break
			}
			dg.Go(func() error {
				return l.decodeAndDispatch(dctx, bank, work)
			})
		}
		return dg.Wait()
	})

	for range l.cfg.workers {
		g.Go(func() error {
			for t := range work {
				select {
				case <-gctx.Done():
					t.block.release()
					continue
				default:
				}
				if err := l.runTask(gctx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// decodeAndDispatch decodes one bank and queues its tasks.
func (l *load) decodeAndDispatch(ctx context.Context, bank Bank, work chan<- bucketTask) error {
	tasks, err := l.decodeBank(ctx, bank)
	if err != nil {
		return err
	}
	for i, t := range tasks {
		select {
		case work <- t:
		case <-ctx.Done():
			for _, rest := range tasks[i:] {
				rest.block.release()
			}
			return ctx.Err()
		}
	}
	return nil
}

// DiscoverBanks lists the event banks under topEntry: its child groups
// whose names end in BankSuffix.
func DiscoverBanks(r *container.Reader, topEntry string) (_ []Bank, err error) {
	if err := r.OpenGroup(topEntry); err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, r.CloseGroup())
	}()

	var banks []Bank
	for _, name := range r.Groups() {
		if strings.HasSuffix(name, BankSuffix) {
			banks = append(banks, Bank{Name: name})
		}
	}
	return banks, nil
}

// Load opens the container at path, discovers its banks and loads them into
// dst. Failing to open or verify the container is load-fatal.
func Load(ctx context.Context, path string, dst Destination, inst Instrument, opts ...LoadOption) (_ *Result, err error) {
	r, err := container.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()

	co, err := NewCoordinator(r, dst, inst, opts...)
	if err != nil {
		return nil, err
	}
	if co.cfg.verify {
		if err := r.Verify(); err != nil {
			return nil, err
		}
	}
	banks, err := DiscoverBanks(r, co.cfg.topEntry)
	if err != nil {
		return nil, fmt.Errorf("discover banks: %w", err)
	}
	return co.Run(ctx, banks)
}
