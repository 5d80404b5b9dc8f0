package virtqueue

import (
	"errors"
	"fmt"

	"github.com/slackhq/ringhost/util/virtio"
)

// QueueParts are the three ring areas of a queue, already mapped into local
// memory, and the number of descriptors the queue holds.
type QueueParts struct {
	DescriptorTable []byte
	AvailableRing   []byte
	UsedRing        []byte
	Size            int
}

func (p QueueParts) validate() error {
	if err := CheckHostQueueSize(p.Size); err != nil {
		return err
	}
	if len(p.DescriptorTable) != DescriptorTableSize(p.Size) {
		return fmt.Errorf("descriptor table is %d bytes, want %d", len(p.DescriptorTable), DescriptorTableSize(p.Size))
	}
	if len(p.AvailableRing) != AvailableRingSize(p.Size) {
		return fmt.Errorf("available ring is %d bytes, want %d", len(p.AvailableRing), AvailableRingSize(p.Size))
	}
	if len(p.UsedRing) != UsedRingSize(p.Size) {
		return fmt.Errorf("used ring is %d bytes, want %d", len(p.UsedRing), UsedRingSize(p.Size))
	}
	if !aligned(p.AvailableRing, AvailableRingAlignment) {
		return errors.New("available ring is not aligned")
	}
	if !aligned(p.UsedRing, UsedRingAlignment) {
		return errors.New("used ring is not aligned")
	}
	return nil
}

// Transport connects a [Queue] to the peer that owns its memory.
//
// A queue calls Map and Release from its consuming goroutine only. The range
// slices passed to Map are reused after it returns and must not be retained.
type Transport interface {
	// QueueParts returns the ring areas of the queue.
	QueueParts(queueID int) (QueueParts, error)
	// PeerFeatures returns the feature bits the peer negotiated.
	PeerFeatures() virtio.Feature
	// RegisterNotify arranges for cb to be called whenever the peer kicks
	// the queue. cb is called from a transport owned goroutine and must not
	// block.
	RegisterNotify(queueID int, cb func()) error
	// Map translates the ranges of the chain starting at head and appends
	// the resulting buffers to v. A failed Map leaves no mapping behind.
	Map(queueID int, head uint16, readable, writable []Range, v *View) error
	// Release drops the mapping created for head.
	Release(queueID int, head uint16) error
	// NotifyPeer interrupts the peer.
	NotifyPeer(queueID int) error
	// MarkFailed records that the queue can no longer be used.
	MarkFailed(queueID int)
}
