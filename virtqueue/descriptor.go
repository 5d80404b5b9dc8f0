package virtqueue

import (
	"encoding/binary"
	"fmt"
)

// DescriptorFlag is a flag that describes a [Descriptor].
type DescriptorFlag uint16

const (
	// DescriptorFlagHasNext marks a descriptor chain as continuing via the
	// next field.
	DescriptorFlagHasNext DescriptorFlag = 1 << iota
	// DescriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	DescriptorFlagWritable
	// DescriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	DescriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// DescriptorTableSize is the number of bytes needed to store a descriptor
// table with the given queue size in memory.
func DescriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// DescriptorTableAlignment is the minimum alignment of a descriptor table in
// memory, as required by the virtio spec.
const DescriptorTableAlignment = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [DescriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers. Device-readable
// descriptors always come first in a chain.
//
// A Descriptor is always a local copy. The table itself lives in peer memory
// and may change at any time.
type Descriptor struct {
	// Address is the peer-physical address of the buffer.
	Address uint64
	// Length is the amount of bytes stored at Address.
	Length uint32
	// Flags that describe this descriptor.
	Flags DescriptorFlag
	// Next contains the index of the next descriptor continuing this
	// descriptor chain when the [DescriptorFlagHasNext] flag is set.
	Next uint16
}

// DescriptorTable is a read-only view on the descriptor table of a queue.
type DescriptorTable struct {
	mem  []byte
	size int
}

// newDescriptorTable creates a descriptor table view over the given memory.
// The length of the memory slice must match [DescriptorTableSize] for the
// given queue size.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := DescriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		mem:  mem,
		size: queueSize,
	}
}

// descriptor copies the descriptor at index out of the table. Every field is
// read exactly once, callers validate the returned copy only.
func (dt *DescriptorTable) descriptor(index uint16) Descriptor {
	offset := int(index) * descriptorSize
	b := dt.mem[offset : offset+descriptorSize : offset+descriptorSize]

	return Descriptor{
		Address: binary.LittleEndian.Uint64(b[0:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
		Flags:   DescriptorFlag(binary.LittleEndian.Uint16(b[12:14])),
		Next:    binary.LittleEndian.Uint16(b[14:16]),
	}
}

// putDescriptor encodes d into a descriptor table slot. The host never writes
// the table, this is the driver's half of the layout.
func putDescriptor(mem []byte, index uint16, d Descriptor) {
	offset := int(index) * descriptorSize
	b := mem[offset : offset+descriptorSize : offset+descriptorSize]

	binary.LittleEndian.PutUint64(b[0:8], d.Address)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	binary.LittleEndian.PutUint16(b[12:14], uint16(d.Flags))
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

// PutDescriptor writes d into slot index of a descriptor table laid out in
// mem. It is meant for driver implementations sharing this layout.
func PutDescriptor(mem []byte, index uint16, d Descriptor) {
	putDescriptor(mem, index, d)
}
