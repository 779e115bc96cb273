//go:build linux

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocate reserves size bytes for a container being written, so that stores
// through the writable mapping cannot hit SIGBUS on a full disk.
func allocate(file *os.File, size int64) error {
	fd := int(file.Fd())
	if err := unix.Fallocate(fd, 0, 0, size); err != nil {
		// NFS and some filesystems do not support fallocate.
		return unix.Ftruncate(fd, size)
	}
	return unix.Ftruncate(fd, size)
}
