// Package synth generates deterministic synthetic event runs for tests and
// the eventload CLI.
//
// Every event is derived from a hash of (bank, event number) under a seed,
// so a run is reproducible from its Params alone. Banks own disjoint
// detector-id ranges, as on a real instrument.
package synth

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"

	"github.com/tamirms/eventload/container"
)

// MaxTof bounds generated tofs, in microseconds.
const MaxTof = 20000

// Params describes a synthetic run.
type Params struct {
	Banks         int
	EventsPerBank int
	PulsesPerBank int
	MaxDetectorID uint32
	Seed          uint32

	Start       time.Time
	PulsePeriod time.Duration // default 20ms

	// BadTofEvery makes every n-th event carry a corrupt tof; 0 disables.
	BadTofEvery int
}

// Bank is one generated bank.
type Bank struct {
	Name       string
	EventIndex []uint64
	PulseSecs  []float64
	IDs        []uint32
	Tofs       []float32
}

// IDRange returns the detector ids [lo, hi] owned by bank b.
func (p Params) IDRange(b int) (lo, hi uint32) {
	width := p.width()
	lo = uint32(b) * width
	return lo, lo + width - 1
}

func (p Params) width() uint32 {
	return uint32(min((uint64(p.MaxDetectorID)+1)/uint64(p.Banks), math.MaxUint32))
}

func (p Params) validate() error {
	switch {
	case p.Banks <= 0:
		return fmt.Errorf("synth: banks must be positive, got %d", p.Banks)
	case p.EventsPerBank <= 0:
		return fmt.Errorf("synth: events per bank must be positive, got %d", p.EventsPerBank)
	// A single-entry event_index of 0 reads back as an empty bank.
	case p.PulsesPerBank < 2 || p.PulsesPerBank > p.EventsPerBank:
		return fmt.Errorf("synth: pulses per bank must be in [2, %d], got %d", p.EventsPerBank, p.PulsesPerBank)
	case p.width() == 0:
		return fmt.Errorf("synth: %d banks do not fit %d detectors", p.Banks, uint64(p.MaxDetectorID)+1)
	}
	return nil
}

// Generate returns the banks of a run.
func Generate(p Params) ([]Bank, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	period := p.PulsePeriod
	if period <= 0 {
		period = 20 * time.Millisecond
	}

	banks := make([]Bank, p.Banks)
	var key [8]byte
	for b := range banks {
		bank := Bank{
			Name:       fmt.Sprintf("bank%d_events", b+1),
			EventIndex: make([]uint64, p.PulsesPerBank),
			PulseSecs:  make([]float64, p.PulsesPerBank),
			IDs:        make([]uint32, p.EventsPerBank),
			Tofs:       make([]float32, p.EventsPerBank),
		}
		for i := range p.PulsesPerBank {
			bank.EventIndex[i] = uint64(i) * uint64(p.EventsPerBank) / uint64(p.PulsesPerBank)
			bank.PulseSecs[i] = (time.Duration(i) * period).Seconds()
		}

		lo, _ := p.IDRange(b)
		for i := range p.EventsPerBank {
			binary.LittleEndian.PutUint64(key[:], uint64(b)<<32|uint64(i))
			bank.IDs[i] = lo + fastRange32(murmur3.Sum64WithSeed(key[:], p.Seed), p.width())

			tof := float32(fastRange32(xxh3.HashSeed(key[:], uint64(p.Seed)), MaxTof*1000)) / 1000
			if p.BadTofEvery > 0 && (i+1)%p.BadTofEvery == 0 {
				tof = 4e9
			}
			bank.Tofs[i] = tof
		}
		banks[b] = bank
	}
	return banks, nil
}

// Write adds banks to w under topEntry.
func Write(w *container.Writer, topEntry string, start time.Time, banks []Bank) error {
	if err := w.AddGroup(topEntry); err != nil {
		return err
	}
	offset := start.UTC().Format(time.RFC3339Nano)
	for _, b := range banks {
		dir := topEntry + "/" + b.Name
		if err := w.AddGroup(dir); err != nil {
			return err
		}
		fields := []struct {
			name  string
			data  any
			attrs map[string]string
		}{
			{"event_index", b.EventIndex, nil},
			{"event_time_zero", b.PulseSecs, map[string]string{"offset": offset, "units": "second"}},
			{"event_id", b.IDs, nil},
			{"event_time_offset", b.Tofs, map[string]string{"units": "microsecond"}},
		}
		for _, f := range fields {
			if err := w.AddField(dir+"/"+f.name, f.data, f.attrs); err != nil {
				return fmt.Errorf("%s/%s: %w", b.Name, f.name, err)
			}
		}
	}
	return nil
}

// fastRange32 maps a 64-bit hash uniformly to [0, n).
func fastRange32(hash uint64, n uint32) uint32 {
	hi, _ := bits.Mul64(hash, uint64(n))
	return uint32(hi)
}
