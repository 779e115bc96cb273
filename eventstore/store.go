// Package eventstore is an in-memory event destination: one bucket per
// detector id, each holding one event list per period.
//
// Store implements eventload.Destination and eventload.Instrument.
//
// Thread Safety:
//   - Lookup, MaxDetectorID and the read accessors are safe for concurrent use
//     once a load has finished writing
//   - Writes to different buckets may run concurrently; writes to the same
//     bucket must come from one goroutine
package eventstore

import (
	"fmt"
	"slices"

	"github.com/tamirms/eventload"
	streamerrors "github.com/tamirms/eventload/errors"
)

// noBucket marks ids without a bucket in the lookup table.
const noBucket = -1

// Store holds the buckets of one load.
type Store struct {
	ids     []eventload.DetectorID
	lookup  []int32 // indexed by detector id
	maxID   eventload.DetectorID
	buckets []bucket
}

type bucket struct {
	periods [][]eventload.WeightedEvent // periods[p-1] holds period p
	order   eventload.SortOrder
}

// New creates a store with one bucket per id, in the given order.
func New(ids []eventload.DetectorID) (*Store, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no detector ids", streamerrors.ErrInvalidDetectorID)
	}
	maxID := slices.Max(ids)
	s := &Store{
		ids:     slices.Clone(ids),
		lookup:  make([]int32, int(maxID)+1),
		maxID:   maxID,
		buckets: make([]bucket, len(ids)),
	}
	for i := range s.lookup {
		s.lookup[i] = noBucket
	}
	for i, id := range ids {
		if s.lookup[id] != noBucket {
			return nil, fmt.Errorf("%w: duplicate id %d", streamerrors.ErrInvalidDetectorID, id)
		}
		s.lookup[id] = int32(i)
	}
	return s, nil
}

// NewRange creates a store with buckets for ids lo through hi. It panics if
// lo > hi.
func NewRange(lo, hi eventload.DetectorID) *Store {
	if lo > hi {
		panic(fmt.Sprintf("eventstore: invalid range [%d, %d]", lo, hi))
	}
	ids := make([]eventload.DetectorID, 0, int(hi-lo)+1)
	for id := lo; ; id++ {
		ids = append(ids, id)
		if id == hi {
			break
		}
	}
	s, _ := New(ids)
	return s
}

// MaxDetectorID returns the largest id with a bucket.
func (s *Store) MaxDetectorID() eventload.DetectorID {
	return s.maxID
}

// Lookup returns the bucket of id.
func (s *Store) Lookup(id eventload.DetectorID) (int, bool) {
	if id > s.maxID {
		return 0, false
	}
	b := s.lookup[id]
	if b == noBucket {
		return 0, false
	}
	return int(b), true
}

// Reserve grows the period-1 list of bucket so that n more events fit
// without reallocation. The Destination interface carries no period, so
// runs with several periods only get capacity in the first list; later
// periods grow on append.
func (s *Store) Reserve(bucket int, n int) {
	b := &s.buckets[bucket]
	list := b.list(1)
	*list = slices.Grow(*list, n)
}

// Append adds a plain event, stored with weight 1.
func (s *Store) Append(bucket, period int, ev eventload.TofEvent) {
	list := s.buckets[bucket].list(period)
	*list = append(*list, eventload.WeightedEvent{Tof: ev.Tof, Pulse: ev.Pulse, Weight: 1, ErrorSq: 1})
}

// AppendWeighted adds a weighted event.
func (s *Store) AppendWeighted(bucket, period int, ev eventload.WeightedEvent) {
	list := s.buckets[bucket].list(period)
	*list = append(*list, ev)
}

// SetSortOrder tags the order of the events in bucket.
func (s *Store) SetSortOrder(bucket int, order eventload.SortOrder) {
	s.buckets[bucket].order = order
}

// list returns the event list of period, creating it if needed. Periods
// below 1 are stored as period 1.
func (b *bucket) list(period int) *[]eventload.WeightedEvent {
	p := max(period, 1)
	for len(b.periods) < p {
		b.periods = append(b.periods, nil)
	}
	return &b.periods[p-1]
}

// NumBuckets returns the number of buckets.
func (s *Store) NumBuckets() int { return len(s.buckets) }

// DetectorID returns the id of bucket.
func (s *Store) DetectorID(bucket int) eventload.DetectorID { return s.ids[bucket] }

// NumPeriods returns the number of period lists of bucket.
func (s *Store) NumPeriods(bucket int) int { return len(s.buckets[bucket].periods) }

// List returns the events of bucket in period. The slice is owned by the
// store and must not be modified.
func (s *Store) List(bucket, period int) []eventload.WeightedEvent {
	b := &s.buckets[bucket]
	if period < 1 || period > len(b.periods) {
		return nil
	}
	return b.periods[period-1]
}

// NumEvents returns the number of events of bucket over all periods.
func (s *Store) NumEvents(bucket int) int {
	n := 0
	for _, list := range s.buckets[bucket].periods {
		n += len(list)
	}
	return n
}

// TotalEvents returns the number of events in the store.
func (s *Store) TotalEvents() int {
	n := 0
	for i := range s.buckets {
		n += s.NumEvents(i)
	}
	return n
}

// Order returns the sort-order tag of bucket.
func (s *Store) Order(bucket int) eventload.SortOrder { return s.buckets[bucket].order }

// Capacity returns the capacity of the period-1 list of bucket.
func (s *Store) Capacity(bucket int) int {
	b := &s.buckets[bucket]
	if len(b.periods) == 0 {
		return 0
	}
	return cap(b.periods[0])
}
