package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	streamerrors "github.com/tamirms/eventload/errors"
)

// minFileSize is headerSize + footerSize: a container with an empty directory.
const minFileSize = headerSize + footerSize

// Reader is a read-only event container with a NeXus-style cursor:
// groups are opened and closed like directories, and at most one field is
// open at a time. Slab reads copy from the mapped file into caller buffers.
//
// Thread Safety:
// - A Reader is NOT safe for concurrent use; callers serialize access
// - Close must only be called after all reads have completed
type Reader struct {
	// Memory map (nil for OpenBytes)
	mmap mmap.MMap
	data []byte

	header    *header
	directory []byte
	region    []byte // data region

	// Directory lookup: xxh3(path) -> entries with that hash
	entries map[uint64][]*entry
	groups  map[string]struct{}

	// Cursor state
	stack []string
	field *entry

	closed atomic.Bool
}

// Open opens a container file for reading.
// It opens the file, memory-maps it, and closes the file descriptor.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open container file: %w", err)
	}
	defer file.Close()
	return OpenFile(file)
}

// OpenFile opens a container by memory-mapping the given file.
// The caller is responsible for closing f; f may be closed immediately after
// OpenFile returns.
func OpenFile(f *os.File) (*Reader, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat container file: %w", err)
	}
	if stat.Size() < int64(minFileSize) {
		return nil, streamerrors.ErrTruncatedFile
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap container file: %w", err)
	}

	r := &Reader{
		mmap: mm,
		data: []byte(mm),
	}
	if err := r.initFromData(); err != nil {
		return nil, errors.Join(err, r.Close())
	}
	adviseRandom(r.data)
	return r, nil
}

// OpenBytes creates a Reader over an in-memory container image.
// No file is opened or memory-mapped; Close only marks the reader closed.
// The caller must not modify data while the Reader is in use.
func OpenBytes(data []byte) (*Reader, error) {
	if len(data) < minFileSize {
		return nil, streamerrors.ErrTruncatedFile
	}
	r := &Reader{data: data}
	if err := r.initFromData(); err != nil {
		return nil, err
	}
	return r, nil
}

// initFromData parses the header and directory from r.data.
// Footer checksums are only checked by Verify.
func (r *Reader) initFromData() error {
	size := uint64(len(r.data))

	hdr, err := decodeHeader(r.data[:headerSize])
	if err != nil {
		return err
	}
	if hdr.DataOffset > size-footerSize {
		return streamerrors.ErrTruncatedFile
	}
	r.header = hdr
	r.directory = r.data[hdr.DirectoryOffset:hdr.DataOffset]
	r.region = r.data[hdr.DataOffset : size-footerSize]

	r.entries = make(map[uint64][]*entry, hdr.NumEntries)
	r.groups = make(map[string]struct{})
	pos := 0
	for i := uint32(0); i < hdr.NumEntries; i++ {
		e, n, err := decodeEntry(r.directory[pos:])
		if err != nil {
			return fmt.Errorf("directory entry %d: %w", i, err)
		}
		pos += n

		if e.isGroup() {
			r.groups[e.path] = struct{}{}
		} else {
			count, ok := elementCount(e.dims)
			if !ok || count*uint64(e.elemType.Size()) != e.length {
				return fmt.Errorf("%w: field %q length does not match dims", streamerrors.ErrCorruptedFile, e.path)
			}
			if e.offset > uint64(len(r.region)) || e.length > uint64(len(r.region))-e.offset {
				return fmt.Errorf("%w: field %q", streamerrors.ErrTruncatedFile, e.path)
			}
		}
		// Every ancestor of an entry is a group, declared or not.
		for dir := parentPath(e.path); dir != ""; dir = parentPath(dir) {
			r.groups[dir] = struct{}{}
		}
		r.entries[e.pathHash] = append(r.entries[e.pathHash], e)
	}
	if pos != len(r.directory) {
		return fmt.Errorf("%w: directory has %d trailing bytes", streamerrors.ErrCorruptedFile, len(r.directory)-pos)
	}
	return nil
}

// Close releases the mapping. Closing twice is a no-op.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.stack = nil
	r.field = nil
	if r.mmap != nil {
		return r.mmap.Unmap()
	}
	return nil
}

// Verify checks the directory and data region against the footer checksums.
func (r *Reader) Verify() error {
	if r.closed.Load() {
		return streamerrors.ErrContainerClosed
	}
	ft, err := decodeFooter(r.data[len(r.data)-footerSize:])
	if err != nil {
		return err
	}
	if xxhash.Sum64(r.directory) != ft.DirectoryHash {
		return fmt.Errorf("%w: directory", streamerrors.ErrChecksumFailed)
	}
	if xxhash.Sum64(r.region) != ft.DataHash {
		return fmt.Errorf("%w: data region", streamerrors.ErrChecksumFailed)
	}
	return nil
}

// ReleasePages tells the kernel the mapped pages read so far can be dropped.
// Best-effort; a no-op for OpenBytes readers and on non-Linux platforms.
func (r *Reader) ReleasePages() {
	if r.mmap == nil || r.closed.Load() {
		return
	}
	releasePages(r.data)
}

// Path returns the currently open group path ("" at the root).
func (r *Reader) Path() string {
	if len(r.stack) == 0 {
		return ""
	}
	return r.stack[len(r.stack)-1]
}

// Depth returns the number of open groups.
func (r *Reader) Depth() int {
	return len(r.stack)
}

// HasField reports whether the current group contains the named field.
func (r *Reader) HasField(name string) bool {
	e := r.lookup(joinPath(r.Path(), name))
	return e != nil && !e.isGroup()
}

// Groups returns the names of the groups directly under the current group,
// sorted.
func (r *Reader) Groups() []string {
	dir := r.Path()
	var names []string
	for g := range r.groups {
		if parentPath(g) != dir {
			continue
		}
		if dir == "" {
			names = append(names, g)
		} else {
			names = append(names, g[len(dir)+1:])
		}
	}
	slices.Sort(names)
	return names
}

// OpenGroup descends into a group relative to the current one.
func (r *Reader) OpenGroup(name string) error {
	if r.closed.Load() {
		return streamerrors.ErrContainerClosed
	}
	if r.field != nil {
		return streamerrors.ErrFieldStillOpen
	}
	path := joinPath(r.Path(), name)
	if _, ok := r.groups[path]; !ok {
		return fmt.Errorf("%w: %s", streamerrors.ErrGroupNotFound, path)
	}
	r.stack = append(r.stack, path)
	return nil
}

// CloseGroup returns to the parent group.
func (r *Reader) CloseGroup() error {
	if r.field != nil {
		return streamerrors.ErrFieldStillOpen
	}
	if len(r.stack) == 0 {
		return streamerrors.ErrNoGroupOpen
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// OpenField opens a field in the current group and returns its description.
// The returned Dims and Attrs are copies.
func (r *Reader) OpenField(name string) (FieldInfo, error) {
	if r.closed.Load() {
		return FieldInfo{}, streamerrors.ErrContainerClosed
	}
	if r.field != nil {
		return FieldInfo{}, streamerrors.ErrFieldStillOpen
	}
	path := joinPath(r.Path(), name)
	e := r.lookup(path)
	if e == nil || e.isGroup() {
		return FieldInfo{}, fmt.Errorf("%w: %s", streamerrors.ErrFieldNotFound, path)
	}
	r.field = e
	return e.info(), nil
}

// CloseField closes the open field.
func (r *Reader) CloseField() error {
	if r.field == nil {
		return streamerrors.ErrNoFieldOpen
	}
	r.field = nil
	return nil
}

// ReadUint64s fills dst with elements [start, start+len(dst)) of the open uint64 field.
func (r *Reader) ReadUint64s(start uint64, dst []uint64) error {
	src, err := r.slab(TypeUint64, start, len(dst))
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint64(src[i*8:])
	}
	return nil
}

// ReadUint32s fills dst with elements [start, start+len(dst)) of the open uint32 field.
func (r *Reader) ReadUint32s(start uint64, dst []uint32) error {
	src, err := r.slab(TypeUint32, start, len(dst))
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(src[i*4:])
	}
	return nil
}

// ReadFloat32s fills dst with elements [start, start+len(dst)) of the open float32 field.
func (r *Reader) ReadFloat32s(start uint64, dst []float32) error {
	src, err := r.slab(TypeFloat32, start, len(dst))
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return nil
}

// ReadFloat64s fills dst with elements [start, start+len(dst)) of the open float64 field.
func (r *Reader) ReadFloat64s(start uint64, dst []float64) error {
	src, err := r.slab(TypeFloat64, start, len(dst))
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
	}
	return nil
}

// slab validates a typed read against the open field and returns the raw bytes.
func (r *Reader) slab(want ElementType, start uint64, count int) ([]byte, error) {
	if r.closed.Load() {
		return nil, streamerrors.ErrContainerClosed
	}
	e := r.field
	if e == nil {
		return nil, streamerrors.ErrNoFieldOpen
	}
	if e.elemType != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", streamerrors.ErrWrongElementType, e.path, e.elemType, want)
	}
	size := uint64(want.Size())
	total := e.length / size
	if start > total || uint64(count) > total-start {
		return nil, fmt.Errorf("%w: %s has %d elements, requested [%d, %d)",
			streamerrors.ErrSlabOutOfRange, e.path, total, start, start+uint64(count))
	}
	off := e.offset + start*size
	return r.region[off : off+uint64(count)*size], nil
}

func (r *Reader) lookup(path string) *entry {
	for _, e := range r.entries[hashPath(path)] {
		if e.path == path {
			return e
		}
	}
	return nil
}

func (e *entry) info() FieldInfo {
	fi := FieldInfo{
		Type: e.elemType,
		Dims: append([]int64(nil), e.dims...),
	}
	if len(e.attrs) > 0 {
		fi.Attrs = make(map[string]string, len(e.attrs))
		for k, v := range e.attrs {
			fi.Attrs[k] = v
		}
	}
	return fi
}

// normalizePath trims surrounding slashes and collapses empty segments.
func normalizePath(p string) string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

// joinPath resolves name against dir. A leading slash makes name absolute.
func joinPath(dir, name string) string {
	if strings.HasPrefix(name, "/") || dir == "" {
		return normalizePath(name)
	}
	return normalizePath(dir + "/" + name)
}

func parentPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}
