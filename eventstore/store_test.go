package eventstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tamirms/eventload"
	streamerrors "github.com/tamirms/eventload/errors"
)

func TestNew(t *testing.T) {
	s, err := New([]eventload.DetectorID{30, 10, 20})
	require.NoError(t, err)

	assert.Equal(t, 3, s.NumBuckets())
	assert.Equal(t, eventload.DetectorID(30), s.MaxDetectorID())
	assert.Equal(t, eventload.DetectorID(30), s.DetectorID(0))

	b, ok := s.Lookup(10)
	assert.True(t, ok)
	assert.Equal(t, 1, b)
	_, ok = s.Lookup(11)
	assert.False(t, ok)
	_, ok = s.Lookup(31)
	assert.False(t, ok)

	_, err = New(nil)
	assert.ErrorIs(t, err, streamerrors.ErrInvalidDetectorID)
	_, err = New([]eventload.DetectorID{1, 2, 1})
	assert.ErrorIs(t, err, streamerrors.ErrInvalidDetectorID)
}

func TestNewRange(t *testing.T) {
	s := NewRange(5, 9)
	assert.Equal(t, 5, s.NumBuckets())
	b, ok := s.Lookup(7)
	assert.True(t, ok)
	assert.Equal(t, 2, b)
	_, ok = s.Lookup(4)
	assert.False(t, ok)

	assert.Equal(t, 1, NewRange(3, 3).NumBuckets())
	assert.Panics(t, func() { NewRange(2, 1) })
}

func TestAppendAndPeriods(t *testing.T) {
	s := NewRange(0, 3)
	s.Append(1, 1, eventload.TofEvent{Tof: 10, Pulse: 100})
	s.Append(1, 3, eventload.TofEvent{Tof: 20, Pulse: 200})
	s.Append(1, 0, eventload.TofEvent{Tof: 30, Pulse: 300})
	s.AppendWeighted(2, 2, eventload.WeightedEvent{Tof: 5, Weight: 2, ErrorSq: 4})

	assert.Equal(t, 3, s.NumPeriods(1))
	assert.Equal(t, []eventload.WeightedEvent{
		{Tof: 10, Pulse: 100, Weight: 1, ErrorSq: 1},
		{Tof: 30, Pulse: 300, Weight: 1, ErrorSq: 1},
	}, s.List(1, 1))
	assert.Empty(t, s.List(1, 2))
	assert.Len(t, s.List(1, 3), 1)
	assert.Nil(t, s.List(1, 4))
	assert.Nil(t, s.List(1, 0))

	assert.Equal(t, 3, s.NumEvents(1))
	assert.Equal(t, 4, s.TotalEvents())
	assert.Equal(t, 4.0, s.List(2, 2)[0].ErrorSq)
	assert.Zero(t, s.NumPeriods(0))
}

func TestReserve(t *testing.T) {
	s := NewRange(0, 1)
	assert.Zero(t, s.Capacity(0))
	s.Reserve(0, 100)
	assert.GreaterOrEqual(t, s.Capacity(0), 100)
	assert.Zero(t, s.NumEvents(0))

	for i := range 100 {
		s.Append(0, 1, eventload.TofEvent{Tof: float64(i)})
	}
	assert.GreaterOrEqual(t, s.Capacity(0), 100)
	assert.Equal(t, 100, s.NumEvents(0))

	t.Run("LaterPeriodsGrowOnAppend", func(t *testing.T) {
		s := NewRange(0, 0)
		s.Reserve(0, 50)
		s.Append(0, 2, eventload.TofEvent{Tof: 1})
		assert.GreaterOrEqual(t, s.Capacity(0), 50)
		assert.Empty(t, s.List(0, 1))
		assert.Len(t, s.List(0, 2), 1)
		assert.Less(t, cap(s.List(0, 2)), 50)
	})
}

func TestSortOrder(t *testing.T) {
	s := NewRange(0, 0)
	assert.Equal(t, eventload.Unsorted, s.Order(0))
	s.SetSortOrder(0, eventload.PulseTimeSort)
	assert.Equal(t, eventload.PulseTimeSort, s.Order(0))
}

func TestCompress(t *testing.T) {
	s := NewRange(0, 0)
	for _, ev := range []eventload.TofEvent{
		{Tof: 10.4, Pulse: 3},
		{Tof: 10.0, Pulse: 1},
		{Tof: 20.0, Pulse: 4},
		{Tof: 10.2, Pulse: 2},
		{Tof: 11.0, Pulse: 5},
	} {
		s.Append(0, 1, ev)
	}
	s.Append(0, 2, eventload.TofEvent{Tof: 7})

	s.Compress(0, 0.5)

	got := s.List(0, 1)
	require.Len(t, got, 3)
	assert.InDelta(t, (10.0+10.2+10.4)/3, got[0].Tof, 1e-12)
	assert.Equal(t, 3.0, got[0].Weight)
	assert.Equal(t, 3.0, got[0].ErrorSq)
	assert.Equal(t, eventload.PulseTime(1), got[0].Pulse)
	assert.Equal(t, eventload.WeightedEvent{Tof: 11, Pulse: 5, Weight: 1, ErrorSq: 1}, got[1])
	assert.Equal(t, 20.0, got[2].Tof)
	assert.Len(t, s.List(0, 2), 1)
	assert.Equal(t, eventload.TofSort, s.Order(0))
}

func TestCompressWeighted(t *testing.T) {
	events := []eventload.WeightedEvent{
		{Tof: 1, Weight: 2, ErrorSq: 4},
		{Tof: 1, Weight: 0.5, ErrorSq: 0.25},
	}
	got := compressEvents(events, 0)
	require.Len(t, got, 1)
	assert.Equal(t, eventload.WeightedEvent{Tof: 1, Weight: 2.5, ErrorSq: 4.25}, got[0])

	assert.Empty(t, compressEvents(nil, 1))
}
