package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	streamerrors "github.com/tamirms/eventload/errors"
)

// Writer assembles a container in memory and writes it out in one pass.
// Entries are written in the order they were added.
//
// Thread Safety:
// - A Writer is NOT safe for concurrent use
type Writer struct {
	entries []*entry
	paths   map[string]struct{}
	payload [][]byte // encoded field data, parallel to entries (nil for groups)
	dataLen uint64
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{paths: make(map[string]struct{})}
}

// AddGroup declares a group. Groups that are ancestors of a field are also
// created implicitly by the reader, so declaring them is optional.
func (w *Writer) AddGroup(path string) error {
	p := normalizePath(path)
	if p == "" {
		return fmt.Errorf("%w: empty group path", streamerrors.ErrDuplicatePath)
	}
	if _, ok := w.paths[p]; ok {
		return fmt.Errorf("%w: %s", streamerrors.ErrDuplicatePath, p)
	}
	w.paths[p] = struct{}{}
	w.entries = append(w.entries, &entry{path: p, pathHash: hashPath(p), elemType: TypeGroup})
	w.payload = append(w.payload, nil)
	return nil
}

// AddField adds a rank-1 field. data must be one of []uint32, []uint64,
// []int32, []int64, []float32 or []float64.
func (w *Writer) AddField(path string, data any, attrs map[string]string) error {
	elemType, raw, n, err := encodeSlice(data)
	if err != nil {
		return fmt.Errorf("field %s: %w", path, err)
	}
	return w.addField(path, elemType, []int64{int64(n)}, raw, attrs)
}

// AddFieldDims adds a field with explicit dims. The product of dims must
// equal the number of elements in data.
func (w *Writer) AddFieldDims(path string, data any, dims []int64, attrs map[string]string) error {
	elemType, raw, n, err := encodeSlice(data)
	if err != nil {
		return fmt.Errorf("field %s: %w", path, err)
	}
	count, ok := elementCount(dims)
	if !ok || len(dims) > maxDims || count != uint64(n) {
		return fmt.Errorf("%w: field %s dims %v do not describe %d elements",
			streamerrors.ErrUnsupportedData, path, dims, n)
	}
	return w.addField(path, elemType, slices.Clone(dims), raw, attrs)
}

func (w *Writer) addField(path string, elemType ElementType, dims []int64, raw []byte, attrs map[string]string) error {
	p := normalizePath(path)
	if p == "" {
		return fmt.Errorf("%w: empty field path", streamerrors.ErrDuplicatePath)
	}
	if _, ok := w.paths[p]; ok {
		return fmt.Errorf("%w: %s", streamerrors.ErrDuplicatePath, p)
	}
	for k, v := range attrs {
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return fmt.Errorf("%w: attribute %q of %s is too long", streamerrors.ErrUnsupportedData, k, p)
		}
	}
	var copied map[string]string
	if len(attrs) > 0 {
		copied = make(map[string]string, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
	}

	w.paths[p] = struct{}{}
	w.entries = append(w.entries, &entry{
		path:     p,
		pathHash: hashPath(p),
		elemType: elemType,
		dims:     dims,
		offset:   w.dataLen,
		length:   uint64(len(raw)),
		attrs:    copied,
	})
	w.payload = append(w.payload, raw)
	w.dataLen += uint64(len(raw))
	return nil
}

// size returns the directory length and the total image size.
func (w *Writer) size() (dirLen, total uint64) {
	for _, e := range w.entries {
		dirLen += uint64(e.encodedSize())
	}
	total = headerSize + dirLen + w.dataLen + footerSize
	return dirLen, total
}

// encodeTo writes the full container image into buf, which must be exactly
// the size reported by size.
func (w *Writer) encodeTo(buf []byte, dirLen uint64) {
	dataOffset := uint64(headerSize) + dirLen

	hdr := header{
		Magic:           magic,
		Version:         version,
		NumEntries:      uint32(len(w.entries)),
		DirectoryOffset: headerSize,
		DataOffset:      dataOffset,
	}
	hdr.encodeTo(buf[:headerSize])

	pos := uint64(headerSize)
	for _, e := range w.entries {
		pos += uint64(e.encodeTo(buf[pos:]))
	}
	for i, e := range w.entries {
		if raw := w.payload[i]; raw != nil {
			copy(buf[dataOffset+e.offset:], raw)
		}
	}

	dataEnd := dataOffset + w.dataLen
	ft := footer{
		DirectoryHash: xxhash.Sum64(buf[headerSize:dataOffset]),
		DataHash:      xxhash.Sum64(buf[dataOffset:dataEnd]),
	}
	ft.encodeTo(buf[dataEnd:])
}

// Bytes returns the encoded container image.
func (w *Writer) Bytes() []byte {
	dirLen, total := w.size()
	buf := make([]byte, total)
	w.encodeTo(buf, dirLen)
	return buf
}

// Finish writes the container to path. The file is pre-allocated and written
// through a writable memory map.
func (w *Writer) Finish(path string) (err error) {
	dirLen, total := w.size()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create container file: %w", err)
	}
	if err := allocate(file, int64(total)); err != nil {
		primaryErr := fmt.Errorf("allocate container file: %w", err)
		return errors.Join(primaryErr, file.Close())
	}

	mm, err := mmap.MapRegion(file, int(total), mmap.RDWR, 0, 0)
	if err != nil {
		primaryErr := fmt.Errorf("mmap container file: %w", err)
		return errors.Join(primaryErr, file.Close())
	}

	w.encodeTo([]byte(mm), dirLen)

	if err := mm.Flush(); err != nil {
		primaryErr := fmt.Errorf("flush container file: %w", err)
		return errors.Join(primaryErr, mm.Unmap(), file.Close())
	}
	if err := mm.Unmap(); err != nil {
		primaryErr := fmt.Errorf("unmap container file: %w", err)
		return errors.Join(primaryErr, file.Close())
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close container file: %w", err)
	}
	return nil
}

// encodeSlice converts a typed slice to its little-endian encoding.
func encodeSlice(data any) (ElementType, []byte, int, error) {
	switch v := data.(type) {
	case []uint32:
		buf := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(buf[i*4:], x)
		}
		return TypeUint32, buf, len(v), nil
	case []int32:
		buf := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(x))
		}
		return TypeInt32, buf, len(v), nil
	case []float32:
		buf := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
		}
		return TypeFloat32, buf, len(v), nil
	case []uint64:
		buf := make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(buf[i*8:], x)
		}
		return TypeUint64, buf, len(v), nil
	case []int64:
		buf := make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(x))
		}
		return TypeInt64, buf, len(v), nil
	case []float64:
		buf := make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
		}
		return TypeFloat64, buf, len(v), nil
	default:
		return TypeGroup, nil, 0, fmt.Errorf("%w: %T", streamerrors.ErrUnsupportedData, data)
	}
}
