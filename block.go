package eventload

import (
	"sync"
	"sync/atomic"
)

// Buffer pools for decoded event arrays. Blocks return their arrays once the
// last bucketing task using them finishes.
var (
	idPool  sync.Pool
	tofPool sync.Pool
)

func getIDSlice(n int) []uint32 {
	if s, ok := idPool.Get().([]uint32); ok && cap(s) >= n {
		return s[:n]
	}
	return make([]uint32, n)
}

func putIDSlice(s []uint32) {
	//lint:ignore SA6002 slice value boxing is acceptable; pointer-to-slice adds complexity
	idPool.Put(s[:0]) //nolint:staticcheck
}

func getFloatSlice(n int) []float32 {
	if s, ok := tofPool.Get().([]float32); ok && cap(s) >= n {
		return s[:n]
	}
	return make([]float32, n)
}

func putFloatSlice(s []float32) {
	//lint:ignore SA6002 slice value boxing is acceptable; pointer-to-slice adds complexity
	tofPool.Put(s[:0]) //nolint:staticcheck
}

// RawEventBlock is the decoded event range of one bank. It is read-only once
// decoded and is shared by the one or two bucketing tasks of its bank.
type RawEventBlock struct {
	Bank string

	// IDs, Tofs and Weights are parallel arrays; Weights is nil when the
	// bank has no event_weight field.
	IDs     []uint32
	Tofs    []float32
	Weights []float32

	// EventIndex is the bank's event_index: the first event of each pulse.
	EventIndex []uint64

	// StartAt is the absolute position of IDs[0] in the bank.
	StartAt uint64

	// MinID and MaxID bound the ids in IDs, with MaxID clamped to the
	// instrument maximum.
	MinID, MaxID DetectorID

	Pulses *PulseTimeIndex

	refs atomic.Int32
}

// Len returns the number of events in the block.
func (b *RawEventBlock) Len() int { return len(b.IDs) }

// HasWeights reports whether the block carries event weights.
func (b *RawEventBlock) HasWeights() bool { return b.Weights != nil }

// retain adds n users of the block.
func (b *RawEventBlock) retain(n int32) {
	b.refs.Add(n)
}

// release drops one user; the last one returns the arrays to the pools.
func (b *RawEventBlock) release() {
	if b.refs.Add(-1) != 0 {
		return
	}
	b.free()
}

// free returns the arrays to the pools. The block must not be used after.
func (b *RawEventBlock) free() {
	if b.IDs != nil {
		putIDSlice(b.IDs)
	}
	if b.Tofs != nil {
		putFloatSlice(b.Tofs)
	}
	if b.Weights != nil {
		putFloatSlice(b.Weights)
	}
	b.IDs, b.Tofs, b.Weights = nil, nil, nil
}
