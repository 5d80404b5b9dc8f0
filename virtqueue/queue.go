package virtqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/util/virtio"
)

// Capabilities are the ring behaviours derived from the peer's features.
type Capabilities struct {
	// EventIndex enables used_event and avail_event based notification
	// suppression.
	EventIndex bool
	// RelaxedOrdering allows suppressing peer notifications while the
	// queue is drained.
	RelaxedOrdering bool
}

func capabilitiesFor(f virtio.Feature) Capabilities {
	return Capabilities{
		EventIndex:      f.Has(virtio.FeatureRingEventIndex),
		RelaxedOrdering: !f.Has(virtio.FeatureOrderPlatform),
	}
}

// State is a snapshot of a queue's cursors.
type State struct {
	ID            int
	Size          int
	LastAvailable uint16
	LastUsed      uint16
	// Claimed is the number of chains fetched but not yet completed.
	Claimed      int
	Completions  uint64
	Capabilities Capabilities
	Suppressed   bool
	Failed       bool
}

// Queue consumes descriptor chains the peer offers on a split virtqueue and
// returns them through the used ring.
type Queue struct {
	id        int
	size      int
	transport Transport
	l         logrus.FieldLogger
	caps      Capabilities

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// walker is only touched by the consuming goroutine.
	walker chainWalker

	mu sync.Mutex
	// lastAvail is the next available index to claim, lastUsed the next used
	// index to publish.
	lastAvail uint16
	lastUsed  uint16
	// completed counts completions since the last notification decision.
	completed   uint16
	completions uint64
	suppressed  bool
	failed      bool
	// claims holds the head claimed at each available slot.
	claims []uint16
	// inFlight marks claimed heads that were not completed yet.
	inFlight []bool
}

// NewQueue brings up the queue with the given id on t. The ring cursors start
// at the used index the ring already carries.
func NewQueue(id int, t Transport, options ...Option) (*Queue, error) {
	opts := optionValues{}
	opts.apply(options)
	if opts.logger == nil {
		opts.logger = discardLogger()
	}

	parts, err := t.QueueParts(id)
	if err != nil {
		return nil, fmt.Errorf("get parts of queue %d: %w", id, err)
	}
	if err = parts.validate(); err != nil {
		return nil, fmt.Errorf("invalid parts for queue %d: %w", id, err)
	}

	q := &Queue{
		id:              id,
		size:            parts.Size,
		transport:       t,
		l:               opts.logger.WithField("queue", id),
		caps:            capabilitiesFor(t.PeerFeatures()),
		descriptorTable: newDescriptorTable(parts.Size, parts.DescriptorTable),
		availableRing:   newAvailableRing(parts.Size, parts.AvailableRing),
		usedRing:        newUsedRing(parts.Size, parts.UsedRing),
		claims:          make([]uint16, parts.Size),
		inFlight:        make([]bool, parts.Size),
	}
	q.walker = newChainWalker(q.descriptorTable, parts.Size)

	fence()
	flags, usedIndex := q.usedRing.loadHeader()
	q.lastUsed = usedIndex
	q.lastAvail = usedIndex
	if flags&UsedRingFlagNoNotify != 0 {
		q.usedRing.storeHeader(flags&^UsedRingFlagNoNotify, usedIndex)
	}
	if q.caps.EventIndex {
		q.usedRing.setAvailEvent(q.lastAvail)
	}
	fence()

	if opts.notify != nil {
		if err = t.RegisterNotify(id, opts.notify); err != nil {
			return nil, fmt.Errorf("register notify callback for queue %d: %w", id, err)
		}
	}

	q.l.WithField("size", q.size).
		WithField("eventIndex", q.caps.EventIndex).
		WithField("relaxedOrdering", q.caps.RelaxedOrdering).
		Debug("Queue is up")

	return q, nil
}

// ID returns the queue id used with the transport.
func (q *Queue) ID() int {
	return q.id
}

// Size returns the number of descriptors in the queue.
func (q *Queue) Size() int {
	return q.size
}

// Capabilities returns the behaviours negotiated with the peer.
func (q *Queue) Capabilities() Capabilities {
	return q.caps
}

// Fetch claims the next chain the peer offered and maps it into v. Whatever v
// held before is dropped. It returns ok=false without error when no chain is
// pending.
//
// On error the cursors are untouched, v is empty and the notification state
// is restored. Errors matching [ErrMalformedChain] or
// [ErrAvailableIndexCorrupt] mean the peer published bad ring data.
func (q *Queue) Fetch(v *View) (head uint16, ok bool, err error) {
	q.mu.Lock()
	if q.failed {
		q.mu.Unlock()
		return 0, false, ErrQueueFailed
	}

	fence()
	availIndex := q.availableRing.index()
	fence()

	if availIndex == q.lastAvail {
		q.mu.Unlock()
		return 0, false, nil
	}
	if pending := availIndex - q.lastAvail; int(pending) > q.size {
		q.mu.Unlock()
		return 0, false, fmt.Errorf("%w: %d chains pending on a queue of size %d",
			ErrAvailableIndexCorrupt, pending, q.size)
	}

	lastAvail := q.lastAvail
	wasSuppressed := q.suppressed
	if q.caps.RelaxedOrdering {
		q.suppressLocked()
	}
	q.mu.Unlock()

	slot := int(lastAvail) % q.size
	head = q.availableRing.head(slot)

	if err = q.walker.walk(head); err != nil {
		// Nothing was mapped yet, so there is nothing to release.
		q.l.WithError(err).WithField("head", head).
			WithField("availableIndex", lastAvail).
			Debug("Rejected malformed descriptor chain")
		q.rollback(v, wasSuppressed)
		return 0, false, fmt.Errorf("fetch chain at available index %d: %w", lastAvail, err)
	}
	if q.walker.skipped > 0 {
		q.l.WithField("head", head).
			WithField("skipped", q.walker.skipped).
			Debug("Skipped zero-length descriptors")
	}

	q.mu.Lock()
	inUse := q.inFlight[head]
	q.mu.Unlock()
	if inUse {
		q.rollback(v, wasSuppressed)
		return 0, false, fmt.Errorf("%w: %w: %d", ErrMalformedChain, ErrHeadInUse, head)
	}

	v.Reset()
	if err = q.transport.Map(q.id, head, q.walker.readable, q.walker.writable, v); err != nil {
		if releaseErr := q.transport.Release(q.id, head); releaseErr != nil {
			q.l.WithError(releaseErr).WithField("head", head).
				Debug("Nothing to release after failed translation")
		}
		q.rollback(v, wasSuppressed)
		return 0, false, fmt.Errorf("%w: chain %d: %w", ErrTranslate, head, err)
	}
	q.walker.reset()

	q.mu.Lock()
	q.claims[slot] = head
	q.inFlight[head] = true
	q.lastAvail++
	q.mu.Unlock()

	return head, true, nil
}

// rollback undoes the side effects of a failed Fetch.
func (q *Queue) rollback(v *View, wasSuppressed bool) {
	q.walker.reset()
	v.Reset()

	q.mu.Lock()
	defer q.mu.Unlock()
	if !wasSuppressed && q.suppressed {
		q.enableLocked()
	}
}

// Complete returns the chain starting at head to the peer, reporting total
// bytes written into its writable part.
func (q *Queue) Complete(head uint16, total uint32) error {
	if int(head) >= q.size {
		return fmt.Errorf("%w: %d >= %d", ErrHeadOutOfRange, head, q.size)
	}

	q.mu.Lock()
	if q.failed {
		q.mu.Unlock()
		return ErrQueueFailed
	}
	if !q.inFlight[head] {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotClaimed, head)
	}
	q.mu.Unlock()

	if err := q.transport.Release(q.id, head); err != nil {
		q.fail(err)
		return fmt.Errorf("%w: release chain %d: %w", ErrQueueFailed, head, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight[head] = false
	q.usedRing.setElement(int(q.lastUsed)%q.size, UsedElement{
		DescriptorIndex: uint32(head),
		Length:          total,
	})
	fence()
	q.lastUsed++
	q.usedRing.storeHeader(q.usedFlagsLocked(), q.lastUsed)
	fence()
	q.enableLocked()

	q.completed++
	q.completions++
	return nil
}

// Abandon returns the n most recently claimed chains to the available ring
// so they are fetched again. Their mappings are released.
func (q *Queue) Abandon(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative count %d", ErrAbandonTooMany, n)
	}

	q.mu.Lock()
	if q.failed {
		q.mu.Unlock()
		return ErrQueueFailed
	}

	claimed := int(q.lastAvail - q.lastUsed)
	if n > claimed {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d requested, %d claimed", ErrAbandonTooMany, n, claimed)
	}
	for i := 1; i <= n; i++ {
		head := q.claims[int(q.lastAvail-uint16(i))%q.size]
		if !q.inFlight[head] {
			q.mu.Unlock()
			return fmt.Errorf("%w: chain %d was already completed", ErrAbandonTooMany, head)
		}
	}

	var errs []error
	for i := 1; i <= n; i++ {
		head := q.claims[int(q.lastAvail-uint16(i))%q.size]
		q.inFlight[head] = false
		if err := q.transport.Release(q.id, head); err != nil {
			errs = append(errs, fmt.Errorf("release chain %d: %w", head, err))
		}
	}
	q.lastAvail -= uint16(n)
	q.enableLocked()
	q.mu.Unlock()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		q.fail(err)
		return fmt.Errorf("%w: %w", ErrQueueFailed, err)
	}
	return nil
}

// NeedNotify reports whether the peer asked to be interrupted for the
// completions published since the last call.
func (q *Queue) NeedNotify() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	fence()
	completed := q.completed
	q.completed = 0

	if !q.caps.EventIndex {
		return q.availableRing.flags()&AvailableRingFlagNoInterrupt == 0
	}
	return NeedEvent(q.availableRing.usedEvent(), q.lastUsed, q.lastUsed-completed)
}

// NeedEvent reports whether moving a ring index from oldIdx to newIdx passed
// the event index the other side published.
func NeedEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

// Notify interrupts the peer.
func (q *Queue) Notify() error {
	if err := q.transport.NotifyPeer(q.id); err != nil {
		return fmt.Errorf("notify peer of queue %d: %w", q.id, err)
	}
	return nil
}

// Pending returns the number of chains the peer offered that were not
// fetched yet.
func (q *Queue) Pending() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fence()
	pending := int(q.availableRing.index() - q.lastAvail)
	if pending > q.size {
		return 0, fmt.Errorf("%w: %d chains pending on a queue of size %d",
			ErrAvailableIndexCorrupt, pending, q.size)
	}
	return pending, nil
}

// State returns a snapshot of the queue.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	return State{
		ID:            q.id,
		Size:          q.size,
		LastAvailable: q.lastAvail,
		LastUsed:      q.lastUsed,
		Claimed:       int(q.lastAvail - q.lastUsed),
		Completions:   q.completions,
		Capabilities:  q.caps,
		Suppressed:    q.suppressed,
		Failed:        q.failed,
	}
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	q.failed = true
	q.mu.Unlock()

	q.transport.MarkFailed(q.id)
	q.l.WithError(err).Error("Queue failed")
}

func (q *Queue) usedFlagsLocked() UsedRingFlag {
	if q.suppressed && !q.caps.EventIndex {
		return UsedRingFlagNoNotify
	}
	return 0
}

// suppressLocked asks the peer to stop kicking. With event index the
// avail_event is simply left behind.
func (q *Queue) suppressLocked() {
	if q.suppressed {
		return
	}
	q.suppressed = true
	if !q.caps.EventIndex {
		q.usedRing.storeHeader(UsedRingFlagNoNotify, q.lastUsed)
		fence()
	}
}

// enableLocked asks the peer to kick again for anything past lastAvail.
func (q *Queue) enableLocked() {
	q.suppressed = false
	if q.caps.EventIndex {
		q.usedRing.setAvailEvent(q.lastAvail)
	} else {
		q.usedRing.storeHeader(0, q.lastUsed)
	}
	fence()
}
