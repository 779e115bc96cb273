package eventload

import (
	"cmp"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tamirms/eventload/container"
)

// testBank describes one bank written by buildContainer.
type testBank struct {
	name       string
	eventIndex []uint64
	pulseSecs  []float64 // nil omits event_time_zero
	offset     string
	ids        []uint32
	tofs       []float32
	weights    []float32 // nil omits event_weight
	units      string    // defaults to "microsecond"
}

func (b testBank) write(t *testing.T, w *container.Writer, top string) {
	t.Helper()
	dir := top + "/" + b.name + "/"
	require.NoError(t, w.AddGroup(top+"/"+b.name))
	require.NoError(t, w.AddField(dir+"event_index", b.eventIndex, nil))
	if b.pulseSecs != nil {
		require.NoError(t, w.AddField(dir+"event_time_zero", b.pulseSecs,
			map[string]string{"offset": b.offset, "units": "second"}))
	}
	require.NoError(t, w.AddField(dir+"event_id", b.ids, nil))
	units := b.units
	if units == "" {
		units = "microsecond"
	}
	require.NoError(t, w.AddField(dir+"event_time_offset", b.tofs, map[string]string{"units": units}))
	if b.weights != nil {
		require.NoError(t, w.AddField(dir+"event_weight", b.weights, nil))
	}
}

// buildContainer writes banks under "entry" and opens the image in memory.
func buildContainer(t *testing.T, banks ...testBank) *container.Reader {
	t.Helper()
	return openWriter(t, newWriterWith(t, banks...))
}

// newWriterWith returns a writer holding banks under "entry", for tests that
// add malformed fields by hand.
func newWriterWith(t *testing.T, banks ...testBank) *container.Writer {
	t.Helper()
	w := container.NewWriter()
	require.NoError(t, w.AddGroup(DefaultTopEntry))
	for _, b := range banks {
		b.write(t, w, DefaultTopEntry)
	}
	return w
}

func openWriter(t *testing.T, w *container.Writer) *container.Reader {
	t.Helper()
	r, err := container.OpenBytes(w.Bytes())
	require.NoError(t, err)
	return r
}

// onePulsePerEvent returns an event_index and pulse times with one pulse per
// event, one second apart.
func onePulsePerEvent(n int) ([]uint64, []float64) {
	idx := make([]uint64, n)
	secs := make([]float64, n)
	for i := range n {
		idx[i] = uint64(i)
		secs[i] = float64(i)
	}
	return idx, secs
}

// randomBank returns a bank with n events spread over ids [lo, hi] and
// pulses of 10 events each.
func randomBank(rng *rand.Rand, name string, n int, lo, hi uint32) testBank {
	b := testBank{name: name, offset: "2024-03-01T00:00:00Z"}
	for i := 0; i < n; i += 10 {
		b.eventIndex = append(b.eventIndex, uint64(i))
		b.pulseSecs = append(b.pulseSecs, float64(i)/600)
	}
	b.ids = make([]uint32, n)
	b.tofs = make([]float32, n)
	for i := range n {
		b.ids[i] = lo + rng.Uint32N(hi-lo+1)
		b.tofs[i] = float32(rng.IntN(20000)) + 0.5
	}
	return b
}

// maxDetector is a fixed instrument bound.
type maxDetector DetectorID

func (m maxDetector) MaxDetectorID() DetectorID { return DetectorID(m) }

// recordingDest maps every id except those in missing to the bucket of the
// same number and records every call.
type recordingDest struct {
	mu         sync.Mutex
	missing    map[DetectorID]bool
	plain      map[int][]TofEvent
	weighted   map[int][]WeightedEvent
	periods    map[int][]int
	reserved   map[int]int
	compressed map[int]float64
	orders     map[int]SortOrder

	// onAppend runs after every append with the total number of appends.
	onAppend func(n int)
	appends  int
}

func newRecordingDest(missing ...DetectorID) *recordingDest {
	d := &recordingDest{
		missing:    make(map[DetectorID]bool),
		plain:      make(map[int][]TofEvent),
		weighted:   make(map[int][]WeightedEvent),
		periods:    make(map[int][]int),
		reserved:   make(map[int]int),
		compressed: make(map[int]float64),
		orders:     make(map[int]SortOrder),
	}
	for _, id := range missing {
		d.missing[id] = true
	}
	return d
}

func (d *recordingDest) Lookup(id DetectorID) (int, bool) {
	if d.missing[id] {
		return 0, false
	}
	return int(id), true
}

func (d *recordingDest) Reserve(bucket int, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved[bucket] += n
}

func (d *recordingDest) Append(bucket, period int, ev TofEvent) {
	d.mu.Lock()
	d.plain[bucket] = append(d.plain[bucket], ev)
	d.periods[bucket] = append(d.periods[bucket], period)
	d.appends++
	n, hook := d.appends, d.onAppend
	d.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func (d *recordingDest) AppendWeighted(bucket, period int, ev WeightedEvent) {
	d.mu.Lock()
	d.weighted[bucket] = append(d.weighted[bucket], ev)
	d.periods[bucket] = append(d.periods[bucket], period)
	d.appends++
	n, hook := d.appends, d.onAppend
	d.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func (d *recordingDest) Compress(bucket int, tolerance float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compressed[bucket] = tolerance
}

func (d *recordingDest) SetSortOrder(bucket int, order SortOrder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders[bucket] = order
}

// counts returns the number of plain events per bucket.
func (d *recordingDest) counts() map[int]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]int, len(d.plain))
	for b, evs := range d.plain {
		out[b] = len(evs)
	}
	return out
}

// sortedEvents returns each bucket's plain events in a canonical order, so
// runs with different task interleavings compare equal.
func (d *recordingDest) sortedEvents() map[int][]TofEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int][]TofEvent, len(d.plain))
	for b, evs := range d.plain {
		s := slices.Clone(evs)
		slices.SortFunc(s, func(x, y TofEvent) int {
			return cmp.Or(cmp.Compare(x.Pulse, y.Pulse), cmp.Compare(x.Tof, y.Tof))
		})
		out[b] = s
	}
	return out
}

// quietLogger discards log output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCoordinator creates a coordinator with logging and the memory hook
// disabled.
func newTestCoordinator(t *testing.T, c Container, dst Destination, maxID DetectorID, opts ...LoadOption) *Coordinator {
	t.Helper()
	base := []LoadOption{WithLogger(quietLogger()), WithMemoryPolicy(nil)}
	co, err := NewCoordinator(c, dst, maxDetector(maxID), append(base, opts...)...)
	require.NoError(t, err)
	return co
}
