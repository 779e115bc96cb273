package container

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	streamerrors "github.com/tamirms/eventload/errors"
)

// newTestImage builds a two-bank container used by most tests.
func newTestImage(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(w.AddGroup("entry"))
	must(w.AddGroup("entry/bank1_events"))
	must(w.AddField("entry/bank1_events/event_index", []uint64{0, 2, 5}, nil))
	must(w.AddField("entry/bank1_events/event_id", []uint32{5, 5, 7, 7, 9}, nil))
	must(w.AddField("entry/bank1_events/event_time_offset", []float32{10, 20, 30, 40, 50},
		map[string]string{"units": "microsecond"}))
	must(w.AddField("entry/bank1_events/event_time_zero", []float64{0, 0.1, 0.2},
		map[string]string{"offset": "2024-01-01T00:00:00Z", "units": "second"}))
	// bank2 has no explicit group entry; its group is implied by the field path.
	must(w.AddField("entry/bank2_events/event_id", []uint32{1}, nil))
	return w
}

func writeTestFile(t *testing.T, w *Writer) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.evnx")
	if err := w.Finish(path); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return path
}

func TestRoundTripFile(t *testing.T) {
	path := writeTestFile(t, newTestImage(t))

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if err := r.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := r.OpenGroup("entry"); err != nil {
		t.Fatal(err)
	}
	if err := r.OpenGroup("bank1_events"); err != nil {
		t.Fatal(err)
	}
	if got := r.Path(); got != "entry/bank1_events" {
		t.Errorf("Path() = %q", got)
	}

	info, err := r.OpenField("event_id")
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != TypeUint32 || info.Len() != 5 {
		t.Errorf("event_id info = %+v", info)
	}
	ids := make([]uint32, 3)
	if err := r.ReadUint32s(2, ids); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []uint32{7, 7, 9}) {
		t.Errorf("ids = %v, want [7 7 9]", ids)
	}
	if err := r.CloseField(); err != nil {
		t.Fatal(err)
	}

	info, err = r.OpenField("event_time_offset")
	if err != nil {
		t.Fatal(err)
	}
	if info.Attrs["units"] != "microsecond" {
		t.Errorf("units = %q", info.Attrs["units"])
	}
	tofs := make([]float32, 5)
	if err := r.ReadFloat32s(0, tofs); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tofs, []float32{10, 20, 30, 40, 50}) {
		t.Errorf("tofs = %v", tofs)
	}
	r.CloseField()

	if _, err := r.OpenField("event_time_zero"); err != nil {
		t.Fatal(err)
	}
	times := make([]float64, 3)
	if err := r.ReadFloat64s(0, times); err != nil {
		t.Fatal(err)
	}
	if times[2] != 0.2 {
		t.Errorf("times = %v", times)
	}
	r.CloseField()

	if _, err := r.OpenField("event_index"); err != nil {
		t.Fatal(err)
	}
	idx := make([]uint64, 3)
	if err := r.ReadUint64s(0, idx); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(idx, []uint64{0, 2, 5}) {
		t.Errorf("event_index = %v", idx)
	}
	r.CloseField()

	if err := r.CloseGroup(); err != nil {
		t.Fatal(err)
	}
	if err := r.OpenGroup("bank2_events"); err != nil {
		t.Errorf("implicit group not found: %v", err)
	}
}

func TestBytesMatchesFile(t *testing.T) {
	w := newTestImage(t)
	path := writeTestFile(t, w)
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(onDisk, w.Bytes()) {
		t.Error("Finish and Bytes produced different images")
	}
}

func TestAbsolutePaths(t *testing.T) {
	r, err := OpenBytes(newTestImage(t).Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.OpenGroup("entry"); err != nil {
		t.Fatal(err)
	}
	if !r.HasField("/entry/bank2_events/event_id") {
		t.Error("absolute path lookup failed")
	}
	if r.HasField("bank1_events") {
		t.Error("HasField reported a group as a field")
	}
}

func TestCursorErrors(t *testing.T) {
	r, err := OpenBytes(newTestImage(t).Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if err := r.CloseGroup(); !errors.Is(err, streamerrors.ErrNoGroupOpen) {
		t.Errorf("CloseGroup at root: got %v", err)
	}
	if err := r.CloseField(); !errors.Is(err, streamerrors.ErrNoFieldOpen) {
		t.Errorf("CloseField with nothing open: got %v", err)
	}
	if err := r.OpenGroup("missing"); !errors.Is(err, streamerrors.ErrGroupNotFound) {
		t.Errorf("OpenGroup(missing): got %v", err)
	}
	if _, err := r.OpenField("entry"); !errors.Is(err, streamerrors.ErrFieldNotFound) {
		t.Errorf("OpenField on a group: got %v", err)
	}

	r.OpenGroup("entry/bank1_events")
	if _, err := r.OpenField("event_id"); err != nil {
		t.Fatal(err)
	}
	if err := r.OpenGroup("x"); !errors.Is(err, streamerrors.ErrFieldStillOpen) {
		t.Errorf("OpenGroup with field open: got %v", err)
	}
	if err := r.CloseGroup(); !errors.Is(err, streamerrors.ErrFieldStillOpen) {
		t.Errorf("CloseGroup with field open: got %v", err)
	}
	if err := r.ReadFloat32s(0, make([]float32, 1)); !errors.Is(err, streamerrors.ErrWrongElementType) {
		t.Errorf("ReadFloat32s on uint32 field: got %v", err)
	}
	if err := r.ReadUint32s(4, make([]uint32, 2)); !errors.Is(err, streamerrors.ErrSlabOutOfRange) {
		t.Errorf("slab past end: got %v", err)
	}
	if err := r.ReadUint32s(5, nil); err != nil {
		t.Errorf("empty slab at end: got %v", err)
	}

	r.Close()
	if _, err := r.OpenField("event_id"); !errors.Is(err, streamerrors.ErrContainerClosed) {
		t.Errorf("OpenField after Close: got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWriterRejects(t *testing.T) {
	w := NewWriter()
	if err := w.AddField("a/b", []uint32{1}, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.AddField("/a/b/", []uint32{2}, nil); !errors.Is(err, streamerrors.ErrDuplicatePath) {
		t.Errorf("duplicate path: got %v", err)
	}
	if err := w.AddField("a/c", []string{"x"}, nil); !errors.Is(err, streamerrors.ErrUnsupportedData) {
		t.Errorf("unsupported type: got %v", err)
	}
	if err := w.AddFieldDims("a/d", []float32{1, 2, 3}, []int64{2, 2}, nil); !errors.Is(err, streamerrors.ErrUnsupportedData) {
		t.Errorf("mismatched dims: got %v", err)
	}
	if err := w.AddFieldDims("a/e", []int64{1, 2, 3, 4, 5, 6}, []int64{2, 3}, nil); err != nil {
		t.Errorf("valid dims: %v", err)
	}
}

func TestMultiDimField(t *testing.T) {
	w := NewWriter()
	if err := w.AddFieldDims("grid", []int32{1, 2, 3, 4, 5, 6}, []int64{2, 3}, nil); err != nil {
		t.Fatal(err)
	}
	r, err := OpenBytes(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	info, err := r.OpenField("grid")
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != TypeInt32 || !slices.Equal(info.Dims, []int64{2, 3}) {
		t.Errorf("info = %+v", info)
	}
}

func TestOpenErrors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := Open(filepath.Join(tmpDir, "missing.evnx")); err == nil {
		t.Error("expected error for non-existent file")
	}

	empty := filepath.Join(tmpDir, "empty.evnx")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(empty); !errors.Is(err, streamerrors.ErrTruncatedFile) {
		t.Errorf("empty file: got %v", err)
	}

	good := newTestImage(t).Bytes()

	bad := slices.Clone(good)
	bad[0] ^= 0xFF
	if _, err := OpenBytes(bad); !errors.Is(err, streamerrors.ErrInvalidMagic) {
		t.Errorf("bad magic: got %v", err)
	}

	bad = slices.Clone(good)
	bad[4] = 9
	if _, err := OpenBytes(bad); !errors.Is(err, streamerrors.ErrInvalidVersion) {
		t.Errorf("bad version: got %v", err)
	}

	// First directory entry starts at headerSize: kind, type, pathLen, path.
	// Flipping a path byte breaks the stored path hash.
	bad = slices.Clone(good)
	bad[headerSize+4] ^= 0x20
	if _, err := OpenBytes(bad); !errors.Is(err, streamerrors.ErrCorruptedFile) {
		t.Errorf("bad path hash: got %v", err)
	}

	if _, err := OpenBytes(good[:len(good)-footerSize-1]); err == nil {
		t.Error("expected error for truncated image")
	}
}

func TestVerifyDetectsDataCorruption(t *testing.T) {
	good := newTestImage(t).Bytes()

	bad := slices.Clone(good)
	bad[len(bad)-footerSize-1] ^= 0x01
	r, err := OpenBytes(bad)
	if err != nil {
		t.Fatalf("data corruption must not fail Open: %v", err)
	}
	if err := r.Verify(); !errors.Is(err, streamerrors.ErrChecksumFailed) {
		t.Errorf("Verify: got %v", err)
	}
}

func TestReleasePages(t *testing.T) {
	r, err := Open(writeTestFile(t, newTestImage(t)))
	if err != nil {
		t.Fatal(err)
	}
	r.ReleasePages()

	// Pages re-fault from the file after release.
	r.OpenGroup("entry/bank1_events")
	r.OpenField("event_id")
	ids := make([]uint32, 5)
	if err := r.ReadUint32s(0, ids); err != nil {
		t.Fatal(err)
	}
	if ids[4] != 9 {
		t.Errorf("ids after ReleasePages = %v", ids)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestGroups(t *testing.T) {
	r, err := OpenBytes(newTestImage(t).Bytes())
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	if got := r.Groups(); !slices.Equal(got, []string{"entry"}) {
		t.Errorf("root groups = %v, want [entry]", got)
	}
	if err := r.OpenGroup("entry"); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	want := []string{"bank1_events", "bank2_events"}
	if got := r.Groups(); !slices.Equal(got, want) {
		t.Errorf("entry groups = %v, want %v", got, want)
	}
	if err := r.OpenGroup("bank1_events"); err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	if got := r.Groups(); len(got) != 0 {
		t.Errorf("bank groups = %v, want none", got)
	}
}
