//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewAnonymousRegion maps size bytes of shared anonymous memory at gpa.
func NewAnonymousRegion(gpa uint64, size int) (*Region, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map anonymous region: %w", err)
	}

	r := NewRegion(gpa, data)
	r.unmap = unix.Munmap
	return r, nil
}

// NewFileRegion maps size bytes of the file behind fd, starting at offset,
// to gpa. This is how a peer shares its memory through a file descriptor.
func NewFileRegion(fd int, offset int64, gpa uint64, size int) (*Region, error) {
	data, err := unix.Mmap(fd, offset, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map file region: %w", err)
	}

	r := NewRegion(gpa, data)
	r.unmap = unix.Munmap
	return r, nil
}
