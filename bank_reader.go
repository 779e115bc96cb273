package eventload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/tamirms/eventload/container"
	streamerrors "github.com/tamirms/eventload/errors"
)

// Field names inside a bank group.
const (
	fieldEventIndex  = "event_index"
	fieldTimeZero    = "event_time_zero"
	fieldEventID     = "event_id"
	fieldTimeOffset  = "event_time_offset"
	fieldEventWeight = "event_weight"

	// Names used by files written before event_id/event_time_offset.
	legacyFieldEventID    = "event_pixel_id"
	legacyFieldTimeOffset = "event_time_of_flight"
)

// bankFieldReader reads and validates the raw arrays of one bank. The
// container cursor must be inside the bank group; every field it opens is
// closed again before it returns.
type bankFieldReader struct {
	c     Container
	cfg   *loadConfig
	bank  Bank
	maxID DetectorID
	log   *slog.Logger
}

func (r *bankFieldReader) idField() string {
	if r.cfg.legacyNames {
		return legacyFieldEventID
	}
	return fieldEventID
}

func (r *bankFieldReader) tofField() string {
	if r.cfg.legacyNames {
		return legacyFieldTimeOffset
	}
	return fieldTimeOffset
}

// withField opens name, runs fn and closes the field on every path.
func withField(c Container, name string, fn func(info container.FieldInfo) error) (err error) {
	info, err := c.OpenField(name)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.CloseField())
	}()
	return fn(info)
}

// readEventIndex reads event_index. A single zero entry marks an empty bank.
func (r *bankFieldReader) readEventIndex() ([]uint64, error) {
	var eventIndex []uint64
	err := withField(r.c, fieldEventIndex, func(info container.FieldInfo) error {
		if info.Type != container.TypeUint64 {
			return fmt.Errorf("%w: event_index is %s, want uint64", streamerrors.ErrWrongElementType, info.Type)
		}
		eventIndex = make([]uint64, info.Len())
		return r.c.ReadUint64s(0, eventIndex)
	})
	if err != nil {
		return nil, err
	}
	if len(eventIndex) == 1 && eventIndex[0] == 0 {
		return nil, streamerrors.ErrEmptyBank
	}
	return eventIndex, nil
}

// eventRange returns the [start, stop) slice of a bank with dim0 events
// after the time and chunk filters.
func (r *bankFieldReader) eventRange(eventIndex []uint64, pulses *PulseTimeIndex, dim0 uint64) (start, stop uint64, err error) {
	stop = dim0

	if r.cfg.timeStart != math.MinInt64 || r.cfg.timeStop != math.MaxInt64 {
		n := min(pulses.NumPulses(), len(eventIndex))
		i := pulses.firstAtOrAfter(r.cfg.timeStart)
		if pulses.NumPulses() > 0 && i >= pulses.NumPulses() {
			return 0, 0, fmt.Errorf("%w: time filter starts after the last pulse", streamerrors.ErrEmptyRange)
		}
		if i < n {
			start = eventIndex[i]
		}
		if start > dim0 {
			r.log.Warn("event_index points past the end of the bank; time filtering disabled",
				slog.Uint64("start_event", start),
				slog.Uint64("events", dim0))
			start, stop = 0, dim0
		} else if i := pulses.firstAfter(r.cfg.timeStop); i < n {
			stop = eventIndex[i]
		}
	}

	if r.cfg.chunk != noChunk {
		if r.cfg.chunk < r.bank.FirstChunk {
			return 0, 0, fmt.Errorf("%w: chunk %d precedes first chunk %d",
				streamerrors.ErrEmptyRange, r.cfg.chunk, r.bank.FirstChunk)
		}
		start = uint64(r.cfg.chunk-r.bank.FirstChunk) * r.cfg.eventsPerChunk
		// The last chunk keeps the filtered stop.
		if start+r.cfg.eventsPerChunk < stop {
			stop = start + r.cfg.eventsPerChunk
		}
	}

	stop = min(stop, dim0)
	if stop <= start {
		return 0, 0, fmt.Errorf("%w: [%d, %d)", streamerrors.ErrEmptyRange, start, stop)
	}
	return start, stop, nil
}

// read reads ids, tofs and optional weights for the filtered range.
func (r *bankFieldReader) read(ctx context.Context, eventIndex []uint64, pulses *PulseTimeIndex) (_ *RawEventBlock, err error) {
	blk := &RawEventBlock{
		Bank:       r.bank.Name,
		EventIndex: eventIndex,
		Pulses:     pulses,
	}
	defer func() {
		if err != nil {
			blk.free()
		}
	}()

	err = withField(r.c, r.idField(), func(info container.FieldInfo) error {
		if info.Type != container.TypeUint32 {
			return fmt.Errorf("%w: %s is %s, want uint32", streamerrors.ErrWrongElementType, r.idField(), info.Type)
		}
		start, stop, err := r.eventRange(eventIndex, pulses, uint64(info.Len()))
		if err != nil {
			return err
		}
		r.log.Debug("event range", slog.Uint64("start_event", start), slog.Uint64("stop_event", stop))

		blk.StartAt = start
		blk.IDs = getIDSlice(int(stop - start))
		if err := r.c.ReadUint32s(start, blk.IDs); err != nil {
			return err
		}
		return r.bounds(blk)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := blk.StartAt + uint64(blk.Len())
	err = withField(r.c, r.tofField(), func(info container.FieldInfo) error {
		if info.Type != container.TypeFloat32 {
			return fmt.Errorf("%w: %s is %s, want float32", streamerrors.ErrWrongElementType, r.tofField(), info.Type)
		}
		if uint64(info.Len()) < stop {
			return fmt.Errorf("%w: %s has %d events, need %d", streamerrors.ErrFieldTooSmall, r.tofField(), info.Len(), stop)
		}
		if units := info.Attrs["units"]; units != "microsecond" && units != "microseconds" {
			return fmt.Errorf("%w: %s units are %q", streamerrors.ErrUnitsMismatch, r.tofField(), units)
		}
		blk.Tofs = getFloatSlice(blk.Len())
		return r.c.ReadFloat32s(blk.StartAt, blk.Tofs)
	})
	if err != nil {
		return nil, err
	}

	err = withField(r.c, fieldEventWeight, func(info container.FieldInfo) error {
		if info.Type != container.TypeFloat32 {
			return fmt.Errorf("%w: event_weight is %s, want float32", streamerrors.ErrWrongElementType, info.Type)
		}
		if uint64(info.Len()) < stop {
			return fmt.Errorf("%w: event_weight has %d events, need %d", streamerrors.ErrFieldTooSmall, info.Len(), stop)
		}
		blk.Weights = getFloatSlice(blk.Len())
		return r.c.ReadFloat32s(blk.StartAt, blk.Weights)
	})
	if errors.Is(err, streamerrors.ErrFieldNotFound) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// bounds sets MinID and MaxID from the loaded ids and checks them against
// the instrument.
func (r *bankFieldReader) bounds(blk *RawEventBlock) error {
	lo, hi := uint32(math.MaxUint32), uint32(0)
	for _, id := range blk.IDs {
		lo = min(lo, id)
		hi = max(hi, id)
	}
	if DetectorID(lo) > r.maxID {
		return fmt.Errorf("%w: lowest id %d, instrument maximum %d", streamerrors.ErrIDsOutOfRange, lo, r.maxID)
	}
	blk.MinID = DetectorID(lo)
	blk.MaxID = min(DetectorID(hi), r.maxID)
	return nil
}
