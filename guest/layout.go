package guest

import "github.com/slackhq/ringhost/virtqueue"

// Layout places a queue's ring parts and its buffers in peer memory.
type Layout struct {
	Size     int
	ItemSize int

	DescriptorTable uint64
	AvailableRing   uint64
	UsedRing        uint64
	// Buffers is where the fixed-size buffers of the descriptors start, one
	// ItemSize buffer per descriptor.
	Buffers uint64
	// End is the first address after the queue.
	End uint64
}

// bufferAlignment keeps buffers page aligned so that each one can be mapped
// on its own.
const bufferAlignment = 4096

// NewLayout lays out a queue of queueSize descriptors with itemSize byte
// buffers starting at base. Parts are aligned as virtio requires.
func NewLayout(base uint64, queueSize int, itemSize int) Layout {
	l := Layout{Size: queueSize, ItemSize: itemSize}

	l.DescriptorTable = align(base, virtqueue.DescriptorTableAlignment)
	l.AvailableRing = align(l.DescriptorTable+uint64(virtqueue.DescriptorTableSize(queueSize)), virtqueue.AvailableRingAlignment)
	l.UsedRing = align(l.AvailableRing+uint64(virtqueue.AvailableRingSize(queueSize)), virtqueue.UsedRingAlignment)
	l.Buffers = align(l.UsedRing+uint64(virtqueue.UsedRingSize(queueSize)), bufferAlignment)
	l.End = l.Buffers + uint64(queueSize)*uint64(itemSize)

	return l
}

func align(index, alignment uint64) uint64 {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
