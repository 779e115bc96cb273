//go:build linux

package container

import "golang.org/x/sys/unix"

// adviseRandom hints that slab reads jump between fields.
// Best-effort: errors are silently ignored.
func adviseRandom(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
}

// releasePages drops resident pages of a read-only file mapping. They are
// re-read from the file if touched again.
func releasePages(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_DONTNEED)
}
