//go:build darwin

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocate reserves size bytes for a container being written using
// F_PREALLOCATE, then sets the file length.
func allocate(file *os.File, size int64) error {
	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  size,
	}
	fd := int(file.Fd())
	if err := unix.FcntlFstore(file.Fd(), unix.F_PREALLOCATE, &fst); err != nil {
		return unix.Ftruncate(fd, size)
	}
	return unix.Ftruncate(fd, size)
}
