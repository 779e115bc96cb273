package eventload

import "time"

// DetectorID identifies a detector pixel.
type DetectorID uint32

// PulseTime is an absolute pulse timestamp in nanoseconds since the Unix epoch.
type PulseTime int64

// PulseTimeOf converts t to a PulseTime.
func PulseTimeOf(t time.Time) PulseTime {
	return PulseTime(t.UnixNano())
}

// Time returns p as a time.Time in UTC.
func (p PulseTime) Time() time.Time {
	return time.Unix(0, int64(p)).UTC()
}

// TofEvent is a neutron event: time-of-flight in microseconds and the
// time of the pulse that produced it.
type TofEvent struct {
	Tof   float64
	Pulse PulseTime
}

// WeightedEvent is a TofEvent carrying a weight and its squared error.
type WeightedEvent struct {
	Tof     float64
	Pulse   PulseTime
	Weight  float64
	ErrorSq float64
}

// SortOrder tags how the events of a bucket are ordered.
type SortOrder uint8

const (
	Unsorted SortOrder = iota
	PulseTimeSort
	TofSort
)

func (o SortOrder) String() string {
	switch o {
	case Unsorted:
		return "unsorted"
	case PulseTimeSort:
		return "pulse_time"
	case TofSort:
		return "tof"
	default:
		return "unknown"
	}
}

// Bank names one event bank: a group under the top entry.
type Bank struct {
	Name string

	// FirstChunk is the chunk number of this bank's first events; only
	// used with WithChunk.
	FirstChunk int
}
