package container

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"

	streamerrors "github.com/tamirms/eventload/errors"
	"github.com/zeebo/xxh3"
)

const (
	// magic number for event container files, "EVNX" in little-endian
	magic = uint32(0x584E5645)

	// version is the current format version
	version = uint16(0x0001)

	// headerSize is the exact size of the serialized header (32 bytes)
	headerSize = 32

	// footerSize is the exact size of the serialized footer (32 bytes)
	footerSize = 32

	// maxDims bounds the rank of a field.
	maxDims = 8
)

// ElementType identifies the element encoding of a field.
type ElementType uint8

const (
	// TypeGroup marks a directory entry that is a group, not a field.
	TypeGroup   ElementType = 0
	TypeUint32  ElementType = 1
	TypeUint64  ElementType = 2
	TypeInt32   ElementType = 3
	TypeInt64   ElementType = 4
	TypeFloat32 ElementType = 5
	TypeFloat64 ElementType = 6
)

// String returns the element type name.
func (t ElementType) String() string {
	switch t {
	case TypeGroup:
		return "group"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Size returns the encoded size of one element in bytes.
func (t ElementType) Size() int {
	switch t {
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// FieldInfo describes an open field.
type FieldInfo struct {
	Type  ElementType
	Dims  []int64
	Attrs map[string]string
}

// Len returns the first dimension, or 0 for a rank-0 field.
func (fi FieldInfo) Len() int64 {
	if len(fi.Dims) == 0 {
		return 0
	}
	return fi.Dims[0]
}

// header is the 32-byte file header.
//
// Layout:
//
//	Offset  Size  Field            Type
//	0       4     Magic            0x584E5645 ("EVNX")
//	4       2     Version          0x0001
//	6       2     Reserved         zero
//	8       4     NumEntries       uint32_le
//	12      4     Reserved         zero
//	16      8     DirectoryOffset  uint64_le
//	24      8     DataOffset       uint64_le
type header struct {
	Magic           uint32
	Version         uint16
	NumEntries      uint32
	DirectoryOffset uint64
	DataOffset      uint64
}

// encodeTo serializes the header to an existing buffer.
func (h *header) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], h.NumEntries)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], h.DirectoryOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.DataOffset)
}

// decodeHeader parses a 32-byte header.
func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, streamerrors.ErrTruncatedFile
	}

	h := &header{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Version:         binary.LittleEndian.Uint16(buf[4:6]),
		NumEntries:      binary.LittleEndian.Uint32(buf[8:12]),
		DirectoryOffset: binary.LittleEndian.Uint64(buf[16:24]),
		DataOffset:      binary.LittleEndian.Uint64(buf[24:32]),
	}

	if h.Magic != magic {
		return nil, streamerrors.ErrInvalidMagic
	}
	if h.Version != version {
		return nil, streamerrors.ErrInvalidVersion
	}
	if h.DirectoryOffset != headerSize || h.DataOffset < h.DirectoryOffset {
		return nil, streamerrors.ErrCorruptedFile
	}
	return h, nil
}

// footer is the 32-byte file footer.
//
// Layout:
//
//	Offset  Size  Field          Type
//	0       8     DirectoryHash  uint64_le (xxHash64 of directory)
//	8       8     DataHash       uint64_le (xxHash64 of data region)
//	16      16    Reserved       [16]byte (zero)
type footer struct {
	DirectoryHash uint64
	DataHash      uint64
}

func (f *footer) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.DirectoryHash)
	binary.LittleEndian.PutUint64(buf[8:16], f.DataHash)
	clear(buf[16:32])
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) < footerSize {
		return nil, streamerrors.ErrTruncatedFile
	}
	return &footer{
		DirectoryHash: binary.LittleEndian.Uint64(buf[0:8]),
		DataHash:      binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// entry is one directory record: a group or a field.
//
// Wire format:
//
//	kind u8 | type u8 | pathLen u16 | path | pathHash u64
//	fields only: ndims u8 | dims [ndims]int64 | dataOffset u64 | dataLen u64 |
//	             nattrs u16 | (keyLen u16 | key | valLen u16 | val)*
type entry struct {
	path     string
	pathHash uint64
	elemType ElementType
	dims     []int64
	offset   uint64 // relative to the data region
	length   uint64
	attrs    map[string]string
}

func (e *entry) isGroup() bool {
	return e.elemType == TypeGroup
}

// hashPath returns the directory hash for a normalized path.
func hashPath(path string) uint64 {
	return xxh3.HashString(path)
}

// encodedSize returns the number of bytes encodeTo writes.
func (e *entry) encodedSize() int {
	n := 1 + 1 + 2 + len(e.path) + 8
	if e.isGroup() {
		return n
	}
	n += 1 + 8*len(e.dims) + 8 + 8 + 2
	for k, v := range e.attrs {
		n += 2 + len(k) + 2 + len(v)
	}
	return n
}

// encodeTo writes the entry and returns the bytes written.
// Attributes are written in sorted key order so output is deterministic.
func (e *entry) encodeTo(buf []byte) int {
	kind := byte(1)
	if e.isGroup() {
		kind = 0
	}
	buf[0] = kind
	buf[1] = byte(e.elemType)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(e.path)))
	pos := 4
	pos += copy(buf[pos:], e.path)
	binary.LittleEndian.PutUint64(buf[pos:], e.pathHash)
	pos += 8
	if e.isGroup() {
		return pos
	}

	buf[pos] = byte(len(e.dims))
	pos++
	for _, d := range e.dims {
		binary.LittleEndian.PutUint64(buf[pos:], uint64(d))
		pos += 8
	}
	binary.LittleEndian.PutUint64(buf[pos:], e.offset)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], e.length)
	pos += 8
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(e.attrs)))
	pos += 2
	for _, k := range sortedKeys(e.attrs) {
		v := e.attrs[k]
		binary.LittleEndian.PutUint16(buf[pos:], uint16(len(k)))
		pos += 2
		pos += copy(buf[pos:], k)
		binary.LittleEndian.PutUint16(buf[pos:], uint16(len(v)))
		pos += 2
		pos += copy(buf[pos:], v)
	}
	return pos
}

// decodeEntry parses one directory record from buf, returning the bytes consumed.
func decodeEntry(buf []byte) (*entry, int, error) {
	if len(buf) < 4 {
		return nil, 0, streamerrors.ErrCorruptedFile
	}
	kind := buf[0]
	e := &entry{elemType: ElementType(buf[1])}
	pathLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	pos := 4
	if len(buf) < pos+pathLen+8 {
		return nil, 0, streamerrors.ErrCorruptedFile
	}
	e.path = string(buf[pos : pos+pathLen])
	pos += pathLen
	e.pathHash = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	if e.pathHash != hashPath(e.path) {
		return nil, 0, fmt.Errorf("%w: path hash mismatch for %q", streamerrors.ErrCorruptedFile, e.path)
	}

	switch kind {
	case 0:
		if e.elemType != TypeGroup {
			return nil, 0, streamerrors.ErrCorruptedFile
		}
		return e, pos, nil
	case 1:
		if e.elemType.Size() == 0 {
			return nil, 0, fmt.Errorf("%w: field %q has element type %d", streamerrors.ErrCorruptedFile, e.path, e.elemType)
		}
	default:
		return nil, 0, streamerrors.ErrCorruptedFile
	}

	if len(buf) < pos+1 {
		return nil, 0, streamerrors.ErrCorruptedFile
	}
	ndims := int(buf[pos])
	pos++
	if ndims > maxDims || len(buf) < pos+8*ndims+8+8+2 {
		return nil, 0, streamerrors.ErrCorruptedFile
	}
	e.dims = make([]int64, ndims)
	for i := range e.dims {
		e.dims[i] = int64(binary.LittleEndian.Uint64(buf[pos:]))
		pos += 8
	}
	e.offset = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	e.length = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	nattrs := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if nattrs > 0 {
		e.attrs = make(map[string]string, nattrs)
	}
	for range nattrs {
		k, n, ok := readString16(buf[pos:])
		if !ok {
			return nil, 0, streamerrors.ErrCorruptedFile
		}
		pos += n
		v, n, ok := readString16(buf[pos:])
		if !ok {
			return nil, 0, streamerrors.ErrCorruptedFile
		}
		pos += n
		e.attrs[k] = v
	}
	return e, pos, nil
}

// readString16 reads a u16-length-prefixed string.
func readString16(buf []byte) (string, int, bool) {
	if len(buf) < 2 {
		return "", 0, false
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", 0, false
	}
	return string(buf[2 : 2+n]), 2 + n, true
}

// elementCount returns the product of dims, or false on overflow or negative dims.
func elementCount(dims []int64) (uint64, bool) {
	if len(dims) == 0 {
		return 0, true
	}
	count := uint64(1)
	for _, d := range dims {
		if d < 0 {
			return 0, false
		}
		if d != 0 && count > math.MaxUint64/uint64(d) {
			return 0, false
		}
		count *= uint64(d)
	}
	return count, true
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
