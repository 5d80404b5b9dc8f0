//go:build !unix

package memory

import "errors"

// ErrUnsupported is returned on platforms that can not share memory through mmap.
var ErrUnsupported = errors.New("mapped regions are only supported on unix")

func NewAnonymousRegion(uint64, int) (*Region, error) {
	return nil, ErrUnsupported
}

func NewFileRegion(int, int64, uint64, int) (*Region, error) {
	return nil, ErrUnsupported
}
