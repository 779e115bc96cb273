// Package errors defines all exported error sentinels for the eventload library.
//
// This is the single source of truth for error values. The top-level eventload
// package, the container reader and the event store import from here, so
// errors.Is checks work across package boundaries.
package errors

import "errors"

// Container errors
var (
	ErrInvalidMagic     = errors.New("eventload: invalid container magic number")
	ErrInvalidVersion   = errors.New("eventload: unsupported container version")
	ErrTruncatedFile    = errors.New("eventload: container file is truncated")
	ErrCorruptedFile    = errors.New("eventload: container data is corrupted")
	ErrChecksumFailed   = errors.New("eventload: container checksum verification failed")
	ErrContainerClosed  = errors.New("eventload: container is closed")
	ErrGroupNotFound    = errors.New("eventload: group not found")
	ErrFieldNotFound    = errors.New("eventload: field not found")
	ErrNoGroupOpen      = errors.New("eventload: no group is open")
	ErrNoFieldOpen      = errors.New("eventload: no field is open")
	ErrFieldStillOpen   = errors.New("eventload: a field is still open")
	ErrSlabOutOfRange   = errors.New("eventload: slab exceeds field length")
	ErrWrongElementType = errors.New("eventload: unexpected field element type")
	ErrDuplicatePath    = errors.New("eventload: duplicate container path")
	ErrUnsupportedData  = errors.New("eventload: unsupported field data type")
)

// Bank errors. Every bank-level failure wraps ErrBankSkipped; the load continues.
var (
	ErrBankSkipped        = errors.New("eventload: bank skipped")
	ErrEmptyBank          = errors.New("eventload: bank has no events")
	ErrFieldTooSmall      = errors.New("eventload: field is too small for the requested range")
	ErrUnitsMismatch      = errors.New("eventload: time-of-flight units are not microseconds")
	ErrIDsOutOfRange      = errors.New("eventload: all detector ids exceed the instrument maximum")
	ErrEmptyRange         = errors.New("eventload: requested event range is empty")
	ErrInvalidPulseSource = errors.New("eventload: pulse time field is malformed")
)

// Load errors. These terminate the whole load.
var (
	ErrNoPulseSource     = errors.New("eventload: no pulse time source for bank and no default")
	ErrLoadInProgress    = errors.New("eventload: coordinator is already running a load")
	ErrInvalidWorkers    = errors.New("eventload: worker count must not be negative")
	ErrInvalidChunk      = errors.New("eventload: chunk parameters are invalid")
	ErrInvalidTofWindow  = errors.New("eventload: tof window minimum exceeds maximum")
	ErrNilCollaborator   = errors.New("eventload: container, destination and instrument are required")
	ErrInvalidDetectorID = errors.New("eventload: detector id list is invalid")
)
