// Package guest implements the driver side of a split virtqueue. It plays the
// peer for loopback operation and tests: it owns the rings, offers descriptor
// chains and reaps the device's completions.
package guest

import (
	"errors"
	"fmt"
	"math"

	"github.com/slackhq/ringhost/eventfd"
	"github.com/slackhq/ringhost/memory"
	"github.com/slackhq/ringhost/virtqueue"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")

	// ErrBufferTooLarge is returned when a buffer does not fit into a
	// descriptor's item.
	ErrBufferTooLarge = errors.New("buffer is larger than the item size")
)

// Queue is the driver's half of a split virtqueue. It is not safe for
// concurrent use.
type Queue struct {
	layout Layout
	kick   *eventfd.EventFD

	descriptorTable []byte
	availableRing   *virtqueue.AvailableRingWriter
	usedRing        *virtqueue.UsedRingReader
	// buffers holds the local view of each descriptor's item.
	buffers [][]byte

	// next links free descriptors and the descriptors of offered chains.
	next []uint16
	// chainLength and readable are indexed by chain head. A chain length of
	// zero marks a head that is not in use.
	chainLength []uint16
	readable    []uint16

	// freeHeadIndex is the first free descriptor, only valid while freeNum is
	// not zero.
	freeHeadIndex uint16
	freeNum       uint16

	availIndex  uint16
	kickedIndex uint16
	lastUsed    uint16
	eventIndex  bool
}

// NewQueue initializes a queue at layout. mem must cover everything from
// layout.DescriptorTable to layout.End.
func NewQueue(mem *memory.Table, layout Layout, options ...Option) (*Queue, error) {
	if err := virtqueue.CheckQueueSize(layout.Size); err != nil {
		return nil, err
	}
	if layout.ItemSize <= 0 || uint64(layout.ItemSize) > math.MaxUint32 {
		return nil, fmt.Errorf("invalid item size %d", layout.ItemSize)
	}

	opts := optionValues{}
	opts.apply(options)

	dt, err := mem.Translate(layout.DescriptorTable, uint32(virtqueue.DescriptorTableSize(layout.Size)))
	if err != nil {
		return nil, fmt.Errorf("descriptor table: %w", err)
	}
	avail, err := mem.Translate(layout.AvailableRing, uint32(virtqueue.AvailableRingSize(layout.Size)))
	if err != nil {
		return nil, fmt.Errorf("available ring: %w", err)
	}
	used, err := mem.Translate(layout.UsedRing, uint32(virtqueue.UsedRingSize(layout.Size)))
	if err != nil {
		return nil, fmt.Errorf("used ring: %w", err)
	}

	q := &Queue{
		layout:          layout,
		kick:            opts.kick,
		descriptorTable: dt,
		availableRing:   virtqueue.NewAvailableRingWriter(layout.Size, avail),
		usedRing:        virtqueue.NewUsedRingReader(layout.Size, used),
		buffers:         make([][]byte, layout.Size),
		next:            make([]uint16, layout.Size),
		chainLength:     make([]uint16, layout.Size),
		readable:        make([]uint16, layout.Size),
		eventIndex:      opts.eventIndex,
	}

	for i := 0; i < layout.Size; i++ {
		gpa := q.bufferAddress(uint16(i))
		if q.buffers[i], err = mem.Translate(gpa, uint32(layout.ItemSize)); err != nil {
			return nil, fmt.Errorf("buffer of descriptor %d: %w", i, err)
		}

		// All descriptors form a free chain.
		q.next[i] = uint16((i + 1) % layout.Size)
		virtqueue.PutDescriptor(dt, uint16(i), virtqueue.Descriptor{Address: gpa})
	}
	q.freeHeadIndex = 0
	q.freeNum = uint16(layout.Size)

	q.availIndex = q.availableRing.Index()
	q.kickedIndex = q.availIndex
	q.lastUsed = q.usedRing.Index()
	if q.eventIndex {
		q.availableRing.SetUsedEvent(q.lastUsed)
	}

	return q, nil
}

// Size returns the number of descriptors in the queue.
func (q *Queue) Size() int {
	return q.layout.Size
}

// Layout returns where the queue lives in peer memory.
func (q *Queue) Layout() Layout {
	return q.layout
}

// Free returns the number of descriptors that are not part of an offered
// chain.
func (q *Queue) Free() int {
	return int(q.freeNum)
}

func (q *Queue) bufferAddress(index uint16) uint64 {
	return q.layout.Buffers + uint64(index)*uint64(q.layout.ItemSize)
}

// allocate takes n descriptors out of the free chain and returns the first.
// The taken descriptors stay linked through next.
func (q *Queue) allocate(n int) (uint16, error) {
	if n == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if n > int(q.freeNum) {
		return 0, fmt.Errorf("%w: %d needed, %d free", ErrNotEnoughFreeDescriptors, n, q.freeNum)
	}

	head := q.freeHeadIndex
	last := head
	for i := 1; i < n; i++ {
		last = q.next[last]
	}
	q.freeHeadIndex = q.next[last]
	q.freeNum -= uint16(n)
	q.chainLength[head] = uint16(n)
	return head, nil
}

// Offer builds a descriptor chain from the device-readable out buffers
// followed by inBuffers device-writable items and makes it available to the
// device. Every out buffer must fit into one item.
func (q *Queue) Offer(out [][]byte, inBuffers int) (uint16, error) {
	for i, b := range out {
		if len(b) > q.layout.ItemSize {
			return 0, fmt.Errorf("%w: out buffer %d has %d bytes", ErrBufferTooLarge, i, len(b))
		}
	}

	n := len(out) + inBuffers
	head, err := q.allocate(n)
	if err != nil {
		return 0, err
	}
	q.readable[head] = uint16(len(out))

	index := head
	for i := 0; i < n; i++ {
		desc := virtqueue.Descriptor{Address: q.bufferAddress(index)}
		if i < len(out) {
			desc.Length = uint32(copy(q.buffers[index], out[i]))
		} else {
			desc.Length = uint32(q.layout.ItemSize)
			desc.Flags = virtqueue.DescriptorFlagWritable
		}
		if i < n-1 {
			desc.Flags |= virtqueue.DescriptorFlagHasNext
			desc.Next = q.next[index]
		}
		virtqueue.PutDescriptor(q.descriptorTable, index, desc)
		index = q.next[index]
	}

	q.availableRing.SetHead(q.availIndex, head)
	q.availIndex++
	q.availableRing.Publish(q.availIndex)

	return head, nil
}

// NeedKick reports whether the device asked to be kicked for the chains
// offered since the last call.
func (q *Queue) NeedKick() bool {
	oldIndex := q.kickedIndex
	q.kickedIndex = q.availIndex

	if q.eventIndex {
		return virtqueue.NeedEvent(q.usedRing.AvailEvent(), q.availIndex, oldIndex)
	}
	return q.usedRing.Flags()&virtqueue.UsedRingFlagNoNotify == 0
}

// Kick signals the device.
func (q *Queue) Kick() error {
	if q.kick == nil {
		return nil
	}
	if err := q.kick.Kick(); err != nil {
		return fmt.Errorf("notify device: %w", err)
	}
	return nil
}

// SetInterruptSuppressed asks the device not to interrupt the driver. It
// only has an effect without event index.
func (q *Queue) SetInterruptSuppressed(suppressed bool) {
	var flags virtqueue.AvailableRingFlag
	if suppressed {
		flags = virtqueue.AvailableRingFlagNoInterrupt
	}
	q.availableRing.SetFlags(flags)
}

// TakeUsed returns the next chain the device completed.
func (q *Queue) TakeUsed() (virtqueue.UsedElement, bool) {
	if q.usedRing.Index() == q.lastUsed {
		return virtqueue.UsedElement{}, false
	}

	element := q.usedRing.Element(q.lastUsed)
	q.lastUsed++
	if q.eventIndex {
		q.availableRing.SetUsedEvent(q.lastUsed)
	}
	return element, true
}

// Read copies up to length bytes the device wrote into the chain at head.
func (q *Queue) Read(head uint16, length uint32) ([]byte, error) {
	if int(head) >= q.layout.Size || q.chainLength[head] == 0 {
		return nil, fmt.Errorf("%w: head %d is not in use", ErrInvalidDescriptorChain, head)
	}

	out := make([]byte, 0, length)
	index := head
	for i := 0; i < int(q.chainLength[head]); i++ {
		if i >= int(q.readable[head]) {
			remaining := int(length) - len(out)
			if remaining <= 0 {
				break
			}
			buf := q.buffers[index]
			out = append(out, buf[:min(remaining, len(buf))]...)
		}
		index = q.next[index]
	}
	return out, nil
}

// FreeDescriptorChain returns the descriptors of the chain at head to the
// free chain.
func (q *Queue) FreeDescriptorChain(head uint16) error {
	if int(head) >= q.layout.Size || q.chainLength[head] == 0 {
		return fmt.Errorf("%w: head %d is not in use", ErrInvalidDescriptorChain, head)
	}

	n := q.chainLength[head]
	last := head
	for i := uint16(1); i < n; i++ {
		last = q.next[last]
	}

	// The chain goes in front of the free chain.
	if q.freeNum > 0 {
		q.next[last] = q.freeHeadIndex
	}
	q.freeHeadIndex = head
	q.freeNum += n
	q.chainLength[head] = 0
	q.readable[head] = 0
	return nil
}

// Pending returns the number of chains offered but not reaped yet.
func (q *Queue) Pending() int {
	return int(q.availIndex - q.lastUsed)
}
