package eventload

import (
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultTopEntry is the group holding the banks.
	DefaultTopEntry = "entry"

	// noChunk disables the chunk filter.
	noChunk = -1
)

// LoadOption is a functional option for configuring loads.
type LoadOption func(*loadConfig)

type loadConfig struct {
	workers     int
	precount    bool
	split       SplitPolicy
	compressTol float64 // negative disables compression

	tofMin float64
	tofMax float64

	timeStart PulseTime
	timeStop  PulseTime

	chunk          int // noChunk when unset
	eventsPerChunk uint64

	// Detector range restriction; zero-valued when unset.
	detMin, detMax DetectorID
	haveDetRange   bool

	topEntry     string
	legacyNames  bool
	verify       bool
	defaultPulse *PulseTimeIndex
	framePeriods []int

	logger     *slog.Logger
	registerer prometheus.Registerer
	progress   Progress
	memory     MemoryPolicy
}

func defaultLoadConfig() *loadConfig {
	return &loadConfig{
		workers:     0, // Default to inline; use WithWorkers(n) to parallelize
		compressTol: -1,
		tofMin:      math.Inf(-1),
		tofMax:      math.Inf(1),
		timeStart:   math.MinInt64,
		timeStop:    math.MaxInt64,
		chunk:       noChunk,
		topEntry:    DefaultTopEntry,
		memory:      ReleaseIdleMemory(0.85),
	}
}

// WithWorkers sets the number of bucketing workers. Values <= 1 run every
// bank inline on the calling goroutine.
func WithWorkers(n int) LoadOption {
	return func(c *loadConfig) {
		c.workers = n
	}
}

// WithPrecount counts events per detector before appending and reserves
// capacity in each destination bucket.
func WithPrecount(enabled bool) LoadOption {
	return func(c *loadConfig) {
		c.precount = enabled
	}
}

// WithSplitBanks enables the default split policy: a bank whose loaded id
// range covers more than a quarter of its observed id span is bucketed as
// two halves.
func WithSplitBanks() LoadOption {
	return func(c *loadConfig) {
		c.split = QuarterSpanSplit
	}
}

// WithSplitPolicy installs a custom split policy. nil disables splitting.
func WithSplitPolicy(p SplitPolicy) LoadOption {
	return func(c *loadConfig) {
		c.split = p
	}
}

// WithCompression compresses every touched bucket with the given tof
// tolerance once its task completes. A negative tolerance disables it.
func WithCompression(tolerance float64) LoadOption {
	return func(c *loadConfig) {
		c.compressTol = tolerance
	}
}

// WithTofWindow keeps only events with min <= tof <= max.
func WithTofWindow(min, max float64) LoadOption {
	return func(c *loadConfig) {
		c.tofMin = min
		c.tofMax = max
	}
}

// WithTimeFilter restricts each bank to the pulses in [start, stop].
func WithTimeFilter(start, stop PulseTime) LoadOption {
	return func(c *loadConfig) {
		c.timeStart = start
		c.timeStop = stop
	}
}

// WithChunk loads only chunk number chunk, of eventsPerChunk events each.
// Chunks are numbered from each bank's Bank.FirstChunk.
func WithChunk(chunk int, eventsPerChunk uint64) LoadOption {
	return func(c *loadConfig) {
		c.chunk = chunk
		c.eventsPerChunk = eventsPerChunk
	}
}

// WithDetectorRange restricts loading to detector ids in [min, max].
func WithDetectorRange(min, max DetectorID) LoadOption {
	return func(c *loadConfig) {
		c.detMin = min
		c.detMax = max
		c.haveDetRange = true
	}
}

// WithTopEntry sets the group holding the banks. Default is "entry".
func WithTopEntry(name string) LoadOption {
	return func(c *loadConfig) {
		c.topEntry = name
	}
}

// WithLegacyFieldNames reads event_pixel_id and event_time_of_flight
// instead of event_id and event_time_offset.
func WithLegacyFieldNames() LoadOption {
	return func(c *loadConfig) {
		c.legacyNames = true
	}
}

// WithVerify checks container checksums before Load runs.
func WithVerify() LoadOption {
	return func(c *loadConfig) {
		c.verify = true
	}
}

// WithDefaultPulseTimes sets the instrument-wide pulse times used by banks
// without an event_time_zero field.
func WithDefaultPulseTimes(idx *PulseTimeIndex) LoadOption {
	return func(c *loadConfig) {
		c.defaultPulse = idx
	}
}

// WithFramePeriodNumbers assigns a period number to every pulse. The slice
// is only used for pulse sources with exactly len(periods) pulses.
// The slice is copied.
func WithFramePeriodNumbers(periods []int) LoadOption {
	return func(c *loadConfig) {
		c.framePeriods = append([]int(nil), periods...)
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) LoadOption {
	return func(c *loadConfig) {
		c.logger = logger
	}
}

// WithRegisterer registers load metrics on reg.
func WithRegisterer(reg prometheus.Registerer) LoadOption {
	return func(c *loadConfig) {
		c.registerer = reg
	}
}

// WithProgress reports per-bank progress labels to p.
func WithProgress(p Progress) LoadOption {
	return func(c *loadConfig) {
		c.progress = p
	}
}

// WithMemoryPolicy replaces the hook run after each bucketing task.
// nil disables it.
func WithMemoryPolicy(p MemoryPolicy) LoadOption {
	return func(c *loadConfig) {
		c.memory = p
	}
}
