package synth

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/tamirms/eventload/container"
)

func testParams() Params {
	return Params{
		Banks:         3,
		EventsPerBank: 1000,
		PulsesPerBank: 10,
		MaxDetectorID: 299,
		Seed:          42,
		Start:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(testParams())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate(testParams())
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if !slices.Equal(a[i].IDs, b[i].IDs) || !slices.Equal(a[i].Tofs, b[i].Tofs) {
			t.Fatalf("bank %d differs between runs", i)
		}
	}

	p := testParams()
	p.Seed = 43
	c, err := Generate(p)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Equal(a[0].IDs, c[0].IDs) {
		t.Error("different seeds produced identical ids")
	}
}

func TestGenerateRanges(t *testing.T) {
	p := testParams()
	p.BadTofEvery = 100
	banks, err := Generate(p)
	if err != nil {
		t.Fatal(err)
	}
	for b, bank := range banks {
		lo, hi := p.IDRange(b)
		for _, id := range bank.IDs {
			if id < lo || id > hi {
				t.Fatalf("bank %d: id %d outside [%d, %d]", b, id, lo, hi)
			}
		}
		bad := 0
		for _, tof := range bank.Tofs {
			if tof >= 2e8 {
				bad++
			} else if tof < 0 || tof > MaxTof {
				t.Fatalf("bank %d: tof %g out of range", b, tof)
			}
		}
		if bad != 10 {
			t.Errorf("bank %d: %d bad tofs, want 10", b, bad)
		}
		if bank.EventIndex[0] != 0 || bank.EventIndex[9] != 900 {
			t.Errorf("bank %d: event_index = %v", b, bank.EventIndex)
		}
		if !slices.IsSorted(bank.PulseSecs) {
			t.Errorf("bank %d: pulse times not increasing", b)
		}
	}
}

func TestFastRange32(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 10000 {
		n := rng.Uint32N(math.MaxUint32) + 1
		h1, h2 := rng.Uint64(), rng.Uint64()
		if h1 > h2 {
			h1, h2 = h2, h1
		}
		r1, r2 := fastRange32(h1, n), fastRange32(h2, n)
		if r2 >= n {
			t.Fatalf("fastRange32(%#x, %d) = %d, out of range", h2, n, r2)
		}
		if r1 > r2 {
			t.Fatalf("fastRange32 not monotone for n=%d", n)
		}
	}
	if got := fastRange32(math.MaxUint64, 10); got != 9 {
		t.Errorf("fastRange32(max, 10) = %d, want 9", got)
	}
}

func TestValidate(t *testing.T) {
	for _, mod := range []func(*Params){
		func(p *Params) { p.Banks = 0 },
		func(p *Params) { p.EventsPerBank = 0 },
		func(p *Params) { p.PulsesPerBank = 1 },
		func(p *Params) { p.PulsesPerBank = 5000 },
		func(p *Params) { p.MaxDetectorID = 1 },
	} {
		p := testParams()
		mod(&p)
		if _, err := Generate(p); err == nil {
			t.Errorf("Generate(%+v) succeeded, want error", p)
		}
	}

	p := testParams()
	p.Banks, p.MaxDetectorID = 1, math.MaxUint32
	if lo, hi := p.IDRange(0); lo != 0 || hi != math.MaxUint32-1 {
		t.Errorf("IDRange = [%d, %d]", lo, hi)
	}
}

func TestWrite(t *testing.T) {
	p := testParams()
	banks, err := Generate(p)
	if err != nil {
		t.Fatal(err)
	}
	w := container.NewWriter()
	if err := Write(w, "entry", p.Start, banks); err != nil {
		t.Fatal(err)
	}
	r, err := container.OpenBytes(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.OpenGroup("entry"); err != nil {
		t.Fatal(err)
	}
	want := []string{"bank1_events", "bank2_events", "bank3_events"}
	if got := r.Groups(); !slices.Equal(got, want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
	if err := r.OpenGroup("bank2_events"); err != nil {
		t.Fatal(err)
	}
	info, err := r.OpenField("event_time_zero")
	if err != nil {
		t.Fatal(err)
	}
	if info.Attrs["offset"] != "2025-01-01T00:00:00Z" {
		t.Errorf("offset = %q", info.Attrs["offset"])
	}
	if err := r.CloseField(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OpenField("event_id"); err != nil {
		t.Fatal(err)
	}
	ids := make([]uint32, p.EventsPerBank)
	if err := r.ReadUint32s(0, ids); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, banks[1].IDs) {
		t.Error("event_id does not round-trip")
	}
}
