//go:build !linux

package container

// adviseRandom is a no-op on non-Linux platforms.
func adviseRandom(data []byte) {}

// releasePages is a no-op on non-Linux platforms.
func releasePages(data []byte) {}
