package virtqueue

import (
	"encoding/binary"
	"fmt"
)

// AvailableRingFlag is a flag that describes an [AvailableRing].
type AvailableRingFlag uint16

const (
	// AvailableRingFlagNoInterrupt is used by the guest to advise the host to
	// not interrupt it when consuming a buffer. It's unreliable, so it's simply
	// an optimization.
	AvailableRingFlagNoInterrupt AvailableRingFlag = 1 << iota
)

// availableRingHeaderSize is the size of the flags and idx fields.
const availableRingHeaderSize = 4

// AvailableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory.
func AvailableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// AvailableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as required by the virtio spec.
const AvailableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the
// device. Each ring entry refers to the head of a descriptor chain. It is only
// written to by the driver and read by the device.
//
// The ring is a byte view over peer memory. Accessors read each field once.
type AvailableRing struct {
	mem  []byte
	size int
}

// newAvailableRing creates an available ring view over the given memory. The
// length of the memory slice must match [AvailableRingSize] for the given
// queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := AvailableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		mem:  mem,
		size: queueSize,
	}
}

func (r *AvailableRing) flags() AvailableRingFlag {
	return AvailableRingFlag(binary.LittleEndian.Uint16(r.mem[0:2]))
}

func (r *AvailableRing) index() uint16 {
	return binary.LittleEndian.Uint16(r.mem[2:4])
}

// head returns the chain head the driver placed at slot.
func (r *AvailableRing) head(slot int) uint16 {
	offset := availableRingHeaderSize + 2*slot
	return binary.LittleEndian.Uint16(r.mem[offset : offset+2])
}

// usedEvent is only meaningful when the event index feature was negotiated.
func (r *AvailableRing) usedEvent() uint16 {
	offset := availableRingHeaderSize + 2*r.size
	return binary.LittleEndian.Uint16(r.mem[offset : offset+2])
}

// AvailableRingWriter is the driver's side of an available ring. It is used
// by driver implementations and tests that play the peer.
type AvailableRingWriter struct {
	AvailableRing
}

// NewAvailableRingWriter creates a writable view over an available ring laid
// out in mem.
func NewAvailableRingWriter(queueSize int, mem []byte) *AvailableRingWriter {
	return &AvailableRingWriter{AvailableRing: *newAvailableRing(queueSize, mem)}
}

// Index returns the index the driver will use for the next offered chain.
func (w *AvailableRingWriter) Index() uint16 {
	return w.index()
}

// SetFlags overwrites the ring flags.
func (w *AvailableRingWriter) SetFlags(flags AvailableRingFlag) {
	binary.LittleEndian.PutUint16(w.mem[0:2], uint16(flags))
}

// SetHead stores a chain head into the ring slot selected by idx.
func (w *AvailableRingWriter) SetHead(idx uint16, head uint16) {
	offset := availableRingHeaderSize + 2*(int(idx)%w.size)
	binary.LittleEndian.PutUint16(w.mem[offset:offset+2], head)
}

// Publish makes every head up to idx visible to the device.
func (w *AvailableRingWriter) Publish(idx uint16) {
	fence()
	binary.LittleEndian.PutUint16(w.mem[2:4], idx)
	fence()
}

// SetUsedEvent stores the used index at which the driver wants to be
// notified next.
func (w *AvailableRingWriter) SetUsedEvent(idx uint16) {
	offset := availableRingHeaderSize + 2*w.size
	binary.LittleEndian.PutUint16(w.mem[offset:offset+2], idx)
}
