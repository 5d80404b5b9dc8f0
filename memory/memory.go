// Package memory maps the peer's physical address space into local memory.
package memory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"unsafe"
)

var (
	// ErrAddressNotMapped is returned when a range is not fully covered by a
	// single region.
	ErrAddressNotMapped = errors.New("address is not mapped")
	// ErrRegionOverlap is returned when a region would overlap an existing
	// one.
	ErrRegionOverlap = errors.New("region overlaps an existing region")
	// ErrRegionInvalid is returned for empty regions or regions that wrap
	// around the address space.
	ErrRegionInvalid = errors.New("region is invalid")
)

// Region is a range of peer-physical memory backed by local memory.
type Region struct {
	// GuestPhysicalAddress is where the region starts in the peer's address
	// space.
	GuestPhysicalAddress uint64
	// Size is the length of the region in bytes.
	Size uint64

	data  []byte
	unmap func([]byte) error
}

// NewRegion returns a region at gpa backed by buf. buf must stay valid for as
// long as the region is used.
func NewRegion(gpa uint64, buf []byte) *Region {
	return &Region{
		GuestPhysicalAddress: gpa,
		Size:                 uint64(len(buf)),
		data:                 buf,
	}
}

// Bytes returns the local memory backing the region.
func (r *Region) Bytes() []byte {
	return r.data
}

// end is the first address after the region.
func (r *Region) end() uint64 {
	return r.GuestPhysicalAddress + r.Size
}

// Close releases the local memory if the region owns it.
func (r *Region) Close() error {
	if r.unmap == nil || r.data == nil {
		return nil
	}
	err := r.unmap(r.data)
	r.data = nil
	return err
}

// RegionInfo describes a region for logging and inspection.
type RegionInfo struct {
	GuestPhysicalAddress uint64
	Size                 uint64
	// UserspaceAddress is the local virtual address the region is mapped at.
	UserspaceAddress uintptr
}

func (ri RegionInfo) String() string {
	return fmt.Sprintf("0x%x-0x%x (%d bytes) at 0x%x",
		ri.GuestPhysicalAddress, ri.GuestPhysicalAddress+ri.Size, ri.Size, ri.UserspaceAddress)
}

// Layout is a list of [RegionInfo]s, ordered by guest physical address.
type Layout []RegionInfo

// Table translates peer-physical addresses into local memory. It is safe for
// concurrent use.
type Table struct {
	mu sync.RWMutex
	// regions are sorted by guest physical address and never overlap.
	regions []*Region
}

func NewTable() *Table {
	return &Table{}
}

// Add inserts r into the table. The table takes ownership of r.
func (t *Table) Add(r *Region) error {
	if r.Size == 0 || r.GuestPhysicalAddress > math.MaxUint64-r.Size {
		return fmt.Errorf("%w: 0x%x+%d", ErrRegionInvalid, r.GuestPhysicalAddress, r.Size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].GuestPhysicalAddress >= r.GuestPhysicalAddress
	})
	if i > 0 && t.regions[i-1].end() > r.GuestPhysicalAddress {
		return fmt.Errorf("%w: 0x%x", ErrRegionOverlap, r.GuestPhysicalAddress)
	}
	if i < len(t.regions) && r.end() > t.regions[i].GuestPhysicalAddress {
		return fmt.Errorf("%w: 0x%x", ErrRegionOverlap, r.GuestPhysicalAddress)
	}

	t.regions = append(t.regions, nil)
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
	return nil
}

// Translate returns the local memory for length bytes at gpa. The range must
// lie within a single region.
func (t *Table) Translate(gpa uint64, length uint32) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// The last region starting at or before gpa is the only candidate.
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].GuestPhysicalAddress > gpa
	}) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrAddressNotMapped, gpa)
	}

	r := t.regions[i]
	offset := gpa - r.GuestPhysicalAddress
	if offset >= r.Size || uint64(length) > r.Size-offset {
		return nil, fmt.Errorf("%w: 0x%x+%d", ErrAddressNotMapped, gpa, length)
	}

	end := offset + uint64(length)
	return r.data[offset:end:end], nil
}

// Layout describes the regions in the table.
func (t *Table) Layout() Layout {
	t.mu.RLock()
	defer t.mu.RUnlock()

	layout := make(Layout, 0, len(t.regions))
	for _, r := range t.regions {
		var addr uintptr
		if len(r.data) > 0 {
			addr = uintptr(unsafe.Pointer(&r.data[0]))
		}
		layout = append(layout, RegionInfo{
			GuestPhysicalAddress: r.GuestPhysicalAddress,
			Size:                 r.Size,
			UserspaceAddress:     addr,
		})
	}
	return layout
}

// Close releases every region.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, r := range t.regions {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close region 0x%x: %w", r.GuestPhysicalAddress, err))
		}
	}
	t.regions = nil
	return errors.Join(errs...)
}
