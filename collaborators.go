package eventload

import "github.com/tamirms/eventload/container"

// Container is random access to a hierarchical event file. A cursor moves
// through groups, and at most one field is open at a time.
// *container.Reader implements it.
type Container interface {
	OpenGroup(name string) error
	CloseGroup() error
	OpenField(name string) (container.FieldInfo, error)
	CloseField() error
	ReadUint64s(start uint64, dst []uint64) error
	ReadUint32s(start uint64, dst []uint32) error
	ReadFloat32s(start uint64, dst []float32) error
	ReadFloat64s(start uint64, dst []float64) error
}

// Destination maps detector ids to event buckets and stores the events.
//
// Lookup is called concurrently and must not mutate. The other methods are
// never called concurrently for the same bucket.
type Destination interface {
	Lookup(id DetectorID) (bucket int, ok bool)
	Reserve(bucket int, n int)
	Append(bucket, period int, ev TofEvent)
	AppendWeighted(bucket, period int, ev WeightedEvent)
	Compress(bucket int, tolerance float64)
	SetSortOrder(bucket int, order SortOrder)
}

// Instrument bounds the detector ids a load accepts.
type Instrument interface {
	MaxDetectorID() DetectorID
}

// Progress receives human-readable progress labels. It must be safe for
// concurrent use.
type Progress interface {
	Report(label string)
}

// pageReleaser is implemented by containers that can drop cached pages.
type pageReleaser interface {
	ReleasePages()
}

type nopProgress struct{}

func (nopProgress) Report(string) {}
