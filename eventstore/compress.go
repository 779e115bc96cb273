package eventstore

import (
	"cmp"
	"slices"

	"github.com/tamirms/eventload"
)

// Compress merges events of bucket whose tofs lie within tolerance of each
// other. Each period list is sorted by tof and split into runs whose tofs
// are within tolerance of the run's first tof; a run becomes one event with
// the mean tof, the summed weight and the summed squared error. The pulse
// time of the run's first event is kept. Afterwards the bucket is tagged
// TofSort.
func (s *Store) Compress(bucket int, tolerance float64) {
	b := &s.buckets[bucket]
	for i, list := range b.periods {
		b.periods[i] = compressEvents(list, tolerance)
	}
	b.order = eventload.TofSort
}

// compressEvents compresses events in place and returns the shortened slice.
func compressEvents(events []eventload.WeightedEvent, tolerance float64) []eventload.WeightedEvent {
	if len(events) < 2 {
		return events
	}
	slices.SortStableFunc(events, func(a, b eventload.WeightedEvent) int {
		return cmp.Compare(a.Tof, b.Tof)
	})

	out := events[:0]
	runStart := 0
	flush := func(end int) {
		run := events[runStart:end]
		merged := eventload.WeightedEvent{Pulse: run[0].Pulse}
		var tofSum float64
		for _, ev := range run {
			tofSum += ev.Tof
			merged.Weight += ev.Weight
			merged.ErrorSq += ev.ErrorSq
		}
		merged.Tof = tofSum / float64(len(run))
		out = append(out, merged)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Tof-events[runStart].Tof > tolerance {
			flush(i)
			runStart = i
		}
	}
	flush(len(events))
	return slices.Clip(out)
}
