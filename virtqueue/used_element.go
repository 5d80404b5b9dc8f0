package virtqueue

import "encoding/binary"

// usedElementSize is the number of bytes needed to store a [UsedElement] in
// memory.
const usedElementSize = 8

// UsedElement is an element of the [UsedRing] and describes a descriptor
// chain that was used by the device.
type UsedElement struct {
	// DescriptorIndex is the index of the head of the used descriptor chain in
	// the [DescriptorTable].
	// The index is 32-bit here for padding reasons.
	DescriptorIndex uint32
	// Length is the number of bytes written into the device writable portion
	// of the buffer described by the descriptor chain.
	Length uint32
}

func (e UsedElement) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.DescriptorIndex)
	binary.LittleEndian.PutUint32(b[4:8], e.Length)
}

func readUsedElement(b []byte) UsedElement {
	return UsedElement{
		DescriptorIndex: binary.LittleEndian.Uint32(b[0:4]),
		Length:          binary.LittleEndian.Uint32(b[4:8]),
	}
}
