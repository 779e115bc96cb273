package eventload

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tamirms/eventload/container"
	streamerrors "github.com/tamirms/eventload/errors"
	"golang.org/x/sync/singleflight"
)

// PulseTimeIndex is the immutable pulse table of a pulse source: one
// timestamp and period number per pulse. Banks recorded against the same
// source share one index.
type PulseTimeIndex struct {
	start      string
	times      []PulseTime
	periods    []int // nil means every pulse is period 1
	increasing bool
}

// NewPulseTimeIndex builds an index from pulse times. start identifies the
// source (the offset attribute of its event_time_zero field). periods is
// used only when it has one entry per pulse. Both slices are copied.
func NewPulseTimeIndex(start string, times []PulseTime, periods []int) *PulseTimeIndex {
	idx := &PulseTimeIndex{
		start:      start,
		times:      slices.Clone(times),
		increasing: true,
	}
	if len(periods) == len(times) && len(times) > 0 {
		idx.periods = slices.Clone(periods)
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			idx.increasing = false
			break
		}
	}
	return idx
}

// NumPulses returns the number of pulses.
func (p *PulseTimeIndex) NumPulses() int { return len(p.times) }

// Time returns the timestamp of pulse i.
func (p *PulseTimeIndex) Time(i int) PulseTime { return p.times[i] }

// Period returns the stored period number of pulse i. Stored values may be
// zero or negative in old files.
func (p *PulseTimeIndex) Period(i int) int {
	if p.periods == nil {
		return 1
	}
	return p.periods[i]
}

// Increasing reports whether pulse times never decrease.
func (p *PulseTimeIndex) Increasing() bool { return p.increasing }

// Start returns the source start-time string.
func (p *PulseTimeIndex) Start() string { return p.start }

// firstAtOrAfter returns the first pulse with time >= t, or NumPulses.
func (p *PulseTimeIndex) firstAtOrAfter(t PulseTime) int {
	if p.increasing {
		return sort.Search(len(p.times), func(i int) bool { return p.times[i] >= t })
	}
	for i, pt := range p.times {
		if pt >= t {
			return i
		}
	}
	return len(p.times)
}

// firstAfter returns the first pulse with time > t, or NumPulses.
func (p *PulseTimeIndex) firstAfter(t PulseTime) int {
	if p.increasing {
		return sort.Search(len(p.times), func(i int) bool { return p.times[i] > t })
	}
	for i, pt := range p.times {
		if pt > t {
			return i
		}
	}
	return len(p.times)
}

// pulseSignature identifies a pulse source across banks.
type pulseSignature struct {
	numPulses int
	start     string
}

func (s pulseSignature) key() string {
	return strconv.Itoa(s.numPulses) + "|" + s.start
}

// pulseCache holds the pulse indexes of a load, one per signature.
type pulseCache struct {
	mu      sync.Mutex
	entries map[pulseSignature]*PulseTimeIndex
	flight  singleflight.Group
}

func newPulseCache() *pulseCache {
	return &pulseCache{entries: make(map[pulseSignature]*PulseTimeIndex)}
}

func (c *pulseCache) lookup(sig pulseSignature) (*PulseTimeIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.entries[sig]
	return idx, ok
}

// getOrBuild returns the cached index for sig, calling build at most once
// per signature among concurrent callers. Failed builds are not cached.
func (c *pulseCache) getOrBuild(sig pulseSignature, build func() (*PulseTimeIndex, error)) (*PulseTimeIndex, error) {
	if idx, ok := c.lookup(sig); ok {
		return idx, nil
	}
	v, err, _ := c.flight.Do(sig.key(), func() (any, error) {
		if idx, ok := c.lookup(sig); ok {
			return idx, nil
		}
		idx, err := build()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[sig] = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PulseTimeIndex), nil
}

func (c *pulseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// readPulseTimes reads the open event_time_zero field described by info.
// float64 values are seconds and uint64 values are nanoseconds, both
// relative to the offset attribute.
func readPulseTimes(c Container, info container.FieldInfo, periods []int) (*PulseTimeIndex, error) {
	start := info.Attrs["offset"]
	base, err := parseStartTime(start)
	if err != nil {
		return nil, err
	}
	n := int(info.Len())
	times := make([]PulseTime, n)

	switch info.Type {
	case container.TypeFloat64:
		secs := make([]float64, n)
		if err := c.ReadFloat64s(0, secs); err != nil {
			return nil, err
		}
		for i, s := range secs {
			times[i] = base + PulseTime(math.Round(s*1e9))
		}
	case container.TypeUint64:
		ns := make([]uint64, n)
		if err := c.ReadUint64s(0, ns); err != nil {
			return nil, err
		}
		for i, v := range ns {
			times[i] = base + PulseTime(v)
		}
	default:
		return nil, fmt.Errorf("%w: event_time_zero is %s", streamerrors.ErrInvalidPulseSource, info.Type)
	}
	return NewPulseTimeIndex(start, times, periods), nil
}

// parseStartTime parses an ISO-8601 offset. An empty offset is the epoch and
// offsets without a zone are UTC.
func parseStartTime(s string) (PulseTime, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return PulseTimeOf(t), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q", streamerrors.ErrInvalidPulseSource, s)
	}
	return PulseTimeOf(t), nil
}

// pulseCursor assigns pulses to events in stream order. It only moves
// forward, so a whole bank costs O(events + pulses).
type pulseCursor struct {
	pulses     *PulseTimeIndex
	eventIndex []uint64
	numPulses  int

	p          int
	pulse      PulseTime
	period     int
	last       PulseTime
	seen       bool
	increasing bool
}

// newPulseCursor positions a cursor on the first pulse. When the pulse
// source has more pulses than eventIndex has entries, pulse lookup is
// disabled and every event gets the zero pulse time.
func newPulseCursor(pulses *PulseTimeIndex, eventIndex []uint64) *pulseCursor {
	c := &pulseCursor{
		pulses:     pulses,
		eventIndex: eventIndex,
		numPulses:  pulses.NumPulses(),
		period:     1,
		increasing: true,
	}
	if c.numPulses > len(eventIndex) {
		c.p = c.numPulses + 1
		return c
	}
	if c.numPulses > 0 {
		c.take()
	}
	return c
}

// advance moves the cursor to the pulse containing absolute event position
// pos and returns the number of pulses it moved past.
func (c *pulseCursor) advance(pos uint64) int {
	if c.p >= c.numPulses-1 {
		return 0
	}
	moved := 0
	for pos < c.eventIndex[c.p] || pos >= c.eventIndex[c.p+1] {
		c.p++
		moved++
		if c.p >= c.numPulses-1 {
			break
		}
	}
	if moved > 0 {
		c.take()
	}
	return moved
}

// take loads the pulse under the cursor.
func (c *pulseCursor) take() {
	c.pulse = c.pulses.Time(c.p)
	if stored := c.pulses.Period(c.p); stored > 0 {
		c.period = stored
	}
	if c.seen && c.pulse < c.last {
		c.increasing = false
	} else {
		c.last = c.pulse
		c.seen = true
	}
}
