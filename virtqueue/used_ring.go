package virtqueue

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// UsedRingFlag is a flag that describes a [UsedRing].
type UsedRingFlag uint16

const (
	// UsedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	UsedRingFlagNoNotify UsedRingFlag = 1 << iota
)

// usedRingHeaderSize is the size of the flags and idx fields.
const usedRingHeaderSize = 4

// UsedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func UsedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// UsedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const UsedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the
// device and read by the driver.
//
// The flags and idx fields share one naturally aligned 32-bit word which is
// always stored as a whole, so the peer never observes a torn header.
type UsedRing struct {
	mem    []byte
	size   int
	header *atomicbitops.Uint32
}

// newUsedRing creates a used ring view over the given memory. The length of
// the memory slice must match [UsedRingSize] for the given queue size and the
// memory must be aligned to [UsedRingAlignment].
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := UsedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}
	if !aligned(mem, UsedRingAlignment) {
		panic("used ring memory is not aligned")
	}

	return &UsedRing{
		mem:    mem,
		size:   queueSize,
		header: (*atomicbitops.Uint32)(unsafe.Pointer(&mem[0])),
	}
}

// loadHeader atomically reads the flags and idx fields.
func (r *UsedRing) loadHeader() (UsedRingFlag, uint16) {
	var b [usedRingHeaderSize]byte
	binary.NativeEndian.PutUint32(b[:], r.header.Load())
	return UsedRingFlag(binary.LittleEndian.Uint16(b[0:2])), binary.LittleEndian.Uint16(b[2:4])
}

// storeHeader atomically publishes the flags and idx fields.
func (r *UsedRing) storeHeader(flags UsedRingFlag, idx uint16) {
	var b [usedRingHeaderSize]byte
	binary.LittleEndian.PutUint16(b[0:2], uint16(flags))
	binary.LittleEndian.PutUint16(b[2:4], idx)
	r.header.Store(binary.NativeEndian.Uint32(b[:]))
}

func (r *UsedRing) elementBytes(slot int) []byte {
	offset := usedRingHeaderSize + usedElementSize*slot
	return r.mem[offset : offset+usedElementSize : offset+usedElementSize]
}

func (r *UsedRing) setElement(slot int, e UsedElement) {
	e.put(r.elementBytes(slot))
}

func (r *UsedRing) element(slot int) UsedElement {
	return readUsedElement(r.elementBytes(slot))
}

// setAvailEvent is only meaningful when the event index feature was
// negotiated.
func (r *UsedRing) setAvailEvent(idx uint16) {
	offset := usedRingHeaderSize + usedElementSize*r.size
	binary.LittleEndian.PutUint16(r.mem[offset:offset+2], idx)
}

func (r *UsedRing) availEvent() uint16 {
	offset := usedRingHeaderSize + usedElementSize*r.size
	return binary.LittleEndian.Uint16(r.mem[offset : offset+2])
}

// UsedRingReader is the driver's side of a used ring.
type UsedRingReader struct {
	UsedRing
}

// NewUsedRingReader creates a read view over a used ring laid out in mem.
func NewUsedRingReader(queueSize int, mem []byte) *UsedRingReader {
	return &UsedRingReader{UsedRing: *newUsedRing(queueSize, mem)}
}

// Index returns the used index published by the device.
func (r *UsedRingReader) Index() uint16 {
	fence()
	_, idx := r.loadHeader()
	fence()
	return idx
}

// Flags returns the ring flags published by the device.
func (r *UsedRingReader) Flags() UsedRingFlag {
	flags, _ := r.loadHeader()
	return flags
}

// Element returns the element the device stored for idx.
func (r *UsedRingReader) Element(idx uint16) UsedElement {
	return r.element(int(idx) % r.size)
}

// AvailEvent returns the available index at which the device wants to be
// kicked next.
func (r *UsedRingReader) AvailEvent() uint16 {
	return r.availEvent()
}

func aligned(mem []byte, alignment uintptr) bool {
	if len(mem) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&mem[0]))%alignment == 0
}
