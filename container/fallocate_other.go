//go:build !linux && !darwin

package container

import "os"

// allocate sets the container file length. Disk blocks may not be reserved
// on every filesystem.
func allocate(file *os.File, size int64) error {
	return file.Truncate(size)
}
