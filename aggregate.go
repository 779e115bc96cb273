package eventload

import (
	"math"
	"sync"
)

// LoadAggregate holds statistics over the events of a load.
//
// Aggregates combine with Merge, which is associative and commutative with
// NewLoadAggregate() as identity, so tasks can be folded in any order.
type LoadAggregate struct {
	// ShortestTof and LongestTof bound the valid tofs seen. They are +Inf
	// and -Inf when no valid tof was seen.
	ShortestTof float64
	LongestTof  float64

	// BadTofs counts tofs at or above the corruption sentinel.
	BadTofs uint64

	// DiscardedEvents counts events whose detector had no destination.
	DiscardedEvents uint64

	// Events counts events appended to a destination.
	Events uint64
}

// NewLoadAggregate returns the empty aggregate.
func NewLoadAggregate() LoadAggregate {
	return LoadAggregate{
		ShortestTof: math.Inf(1),
		LongestTof:  math.Inf(-1),
	}
}

// Merge returns the combination of a and b.
func (a LoadAggregate) Merge(b LoadAggregate) LoadAggregate {
	return LoadAggregate{
		ShortestTof:     min(a.ShortestTof, b.ShortestTof),
		LongestTof:      max(a.LongestTof, b.LongestTof),
		BadTofs:         a.BadTofs + b.BadTofs,
		DiscardedEvents: a.DiscardedEvents + b.DiscardedEvents,
		Events:          a.Events + b.Events,
	}
}

// HasTofs reports whether any valid tof was observed.
func (a LoadAggregate) HasTofs() bool {
	return a.ShortestTof <= a.LongestTof
}

// observeTof widens the tof bounds to include tof.
func (a *LoadAggregate) observeTof(tof float64) {
	if tof < a.ShortestTof {
		a.ShortestTof = tof
	}
	if tof > a.LongestTof {
		a.LongestTof = tof
	}
}

// sharedAggregate is the load-wide aggregate. Tasks fold in their complete
// local result once, so readers never see part of a task.
type sharedAggregate struct {
	mu  sync.Mutex
	agg LoadAggregate
}

func newSharedAggregate() *sharedAggregate {
	return &sharedAggregate{agg: NewLoadAggregate()}
}

func (s *sharedAggregate) fold(local LoadAggregate) {
	s.mu.Lock()
	s.agg = s.agg.Merge(local)
	s.mu.Unlock()
}

func (s *sharedAggregate) snapshot() LoadAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg
}
