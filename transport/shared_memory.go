// Package transport connects virtqueues to a peer that shares its memory and
// signals through event file descriptors.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/eventfd"
	"github.com/slackhq/ringhost/memory"
	"github.com/slackhq/ringhost/util/virtio"
	"github.com/slackhq/ringhost/virtqueue"
)

var (
	ErrQueueUnknown     = errors.New("unknown queue")
	ErrQueueExists      = errors.New("queue already exists")
	ErrQueueFailed      = errors.New("queue has failed")
	ErrMappingTableFull = errors.New("mapping table is full")
	ErrMappingExists    = errors.New("chain is already mapped")
	ErrMappingUnknown   = errors.New("chain is not mapped")
	ErrNoEventFD        = errors.New("queue has no event file descriptor")
	ErrClosed           = errors.New("transport is closed")
)

// QueueConfig describes where a queue lives in the peer's memory.
type QueueConfig struct {
	Index int
	Size  int

	// Peer-physical addresses of the ring parts.
	DescriptorTable uint64
	AvailableRing   uint64
	UsedRing        uint64

	// Mappings bounds the number of chains mapped at once. Defaults to Size.
	Mappings int

	// Kick is signaled by the peer when it offered chains, Call is signaled
	// towards the peer. Both stay owned by the caller.
	Kick *eventfd.EventFD
	Call *eventfd.EventFD
}

type mapping struct {
	readable int
	writable int
	bytes    int
}

type queueState struct {
	cfg      QueueConfig
	parts    virtqueue.QueueParts
	mappings map[uint16]mapping
	failed   bool

	epoll *eventfd.Epoll
	stop  *eventfd.EventFD
}

// SharedMemory is a [virtqueue.Transport] for queues that live in a
// [memory.Table].
type SharedMemory struct {
	l        logrus.FieldLogger
	memory   *memory.Table
	features virtio.Feature

	mu     sync.Mutex
	queues map[int]*queueState
	closed bool
	wg     sync.WaitGroup
}

// NewSharedMemory creates a transport over mem offering the given features.
// The transport does not take ownership of mem.
func NewSharedMemory(l logrus.FieldLogger, mem *memory.Table, features virtio.Feature) *SharedMemory {
	return &SharedMemory{
		l:        l,
		memory:   mem,
		features: features,
		queues:   map[int]*queueState{},
	}
}

// AddQueue translates the ring parts of a queue and makes it available to
// [virtqueue.NewQueue].
func (s *SharedMemory) AddQueue(cfg QueueConfig) error {
	if err := virtqueue.CheckHostQueueSize(cfg.Size); err != nil {
		return err
	}
	if cfg.Mappings <= 0 {
		cfg.Mappings = cfg.Size
	}

	dt, err := s.translateRing(cfg.DescriptorTable, virtqueue.DescriptorTableSize(cfg.Size))
	if err != nil {
		return fmt.Errorf("descriptor table of queue %d: %w", cfg.Index, err)
	}
	avail, err := s.translateRing(cfg.AvailableRing, virtqueue.AvailableRingSize(cfg.Size))
	if err != nil {
		return fmt.Errorf("available ring of queue %d: %w", cfg.Index, err)
	}
	used, err := s.translateRing(cfg.UsedRing, virtqueue.UsedRingSize(cfg.Size))
	if err != nil {
		return fmt.Errorf("used ring of queue %d: %w", cfg.Index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queues[cfg.Index]; ok {
		return fmt.Errorf("%w: %d", ErrQueueExists, cfg.Index)
	}

	s.queues[cfg.Index] = &queueState{
		cfg: cfg,
		parts: virtqueue.QueueParts{
			DescriptorTable: dt,
			AvailableRing:   avail,
			UsedRing:        used,
			Size:            cfg.Size,
		},
		mappings: make(map[uint16]mapping, cfg.Mappings),
	}
	return nil
}

func (s *SharedMemory) translateRing(gpa uint64, size int) ([]byte, error) {
	return s.memory.Translate(gpa, uint32(size))
}

// queue must be called with s.mu held.
func (s *SharedMemory) queue(queueID int) (*queueState, error) {
	q, ok := s.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrQueueUnknown, queueID)
	}
	return q, nil
}

func (s *SharedMemory) QueueParts(queueID int) (virtqueue.QueueParts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queueID)
	if err != nil {
		return virtqueue.QueueParts{}, err
	}
	return q.parts, nil
}

func (s *SharedMemory) PeerFeatures() virtio.Feature {
	return s.features
}

// RegisterNotify starts a goroutine that calls cb whenever the peer signals
// the queue's kick descriptor. It runs until [SharedMemory.Close].
func (s *SharedMemory) RegisterNotify(queueID int, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	q, err := s.queue(queueID)
	if err != nil {
		return err
	}
	if q.cfg.Kick == nil {
		return fmt.Errorf("%w: kick of queue %d", ErrNoEventFD, queueID)
	}
	if q.epoll != nil {
		return fmt.Errorf("notify callback for queue %d is already registered", queueID)
	}

	ep, err := eventfd.NewEpoll(2)
	if err != nil {
		return err
	}
	stop, err := eventfd.New()
	if err != nil {
		_ = ep.Close()
		return err
	}
	for _, fd := range []int{q.cfg.Kick.FD(), stop.FD()} {
		if err = ep.AddEvent(fd); err != nil {
			return errors.Join(fmt.Errorf("watch eventfd %d: %w", fd, err), ep.Close(), stop.Close())
		}
	}

	q.epoll = ep
	q.stop = stop

	s.wg.Add(1)
	go s.watchKicks(queueID, ep, stop.FD(), cb)
	return nil
}

func (s *SharedMemory) watchKicks(queueID int, ep *eventfd.Epoll, stopFD int, cb func()) {
	defer s.wg.Done()
	l := s.l.WithField("queue", queueID)

	for {
		ready, err := ep.Block()
		if err != nil {
			l.WithError(err).Error("Failed to wait for queue kicks")
			return
		}
		if len(ready) == 0 {
			continue
		}
		for _, fd := range ready {
			if fd == stopFD {
				return
			}
		}
		if err = ep.Clear(); err != nil {
			l.WithError(err).Warn("Failed to clear queue kick")
		}
		cb()
	}
}

// Map translates every range of the chain starting at head into v.
func (s *SharedMemory) Map(queueID int, head uint16, readable, writable []virtqueue.Range, v *virtqueue.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queueID)
	if err != nil {
		return err
	}
	if q.failed {
		return ErrQueueFailed
	}
	if _, ok := q.mappings[head]; ok {
		return fmt.Errorf("%w: head %d", ErrMappingExists, head)
	}
	if len(q.mappings) >= q.cfg.Mappings {
		return fmt.Errorf("%w: %d chains mapped", ErrMappingTableFull, len(q.mappings))
	}

	m := mapping{}
	for _, r := range readable {
		if err = s.appendRange(&v.Readable, r); err != nil {
			v.Reset()
			return err
		}
		m.readable++
		m.bytes += int(r.Length)
	}
	for _, r := range writable {
		if err = s.appendRange(&v.Writable, r); err != nil {
			v.Reset()
			return err
		}
		m.writable++
		m.bytes += int(r.Length)
	}

	q.mappings[head] = m
	return nil
}

func (s *SharedMemory) appendRange(iov *virtqueue.IOV, r virtqueue.Range) error {
	b, err := s.memory.Translate(r.Address, r.Length)
	if err != nil {
		return err
	}
	return iov.Append(b)
}

// Release forgets the mapping of head.
func (s *SharedMemory) Release(queueID int, head uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queueID)
	if err != nil {
		return err
	}
	if _, ok := q.mappings[head]; !ok {
		return fmt.Errorf("%w: head %d", ErrMappingUnknown, head)
	}
	delete(q.mappings, head)
	return nil
}

// NotifyPeer signals the queue's call descriptor.
func (s *SharedMemory) NotifyPeer(queueID int) error {
	s.mu.Lock()
	q, err := s.queue(queueID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if q.cfg.Call == nil {
		return fmt.Errorf("%w: call of queue %d", ErrNoEventFD, queueID)
	}
	return q.cfg.Call.Kick()
}

// MarkFailed refuses every further mapping on the queue.
func (s *SharedMemory) MarkFailed(queueID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queueID)
	if err != nil {
		return
	}
	if !q.failed {
		s.l.WithField("queue", queueID).
			WithField("mappings", len(q.mappings)).
			Error("Queue marked as failed")
	}
	q.failed = true
}

// Failed reports whether the queue was marked as failed.
func (s *SharedMemory) Failed(queueID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queueID)
	return err == nil && q.failed
}

// Mapped returns the number of chains and bytes currently mapped for the
// queue.
func (s *SharedMemory) Mapped(queueID int) (chains int, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queueID)
	if err != nil {
		return 0, 0
	}
	for _, m := range q.mappings {
		bytes += m.bytes
	}
	return len(q.mappings), bytes
}

// Close stops every notify goroutine and waits for them to end.
func (s *SharedMemory) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var errs []error
	for id, q := range s.queues {
		if q.stop == nil {
			continue
		}
		if err := q.stop.Kick(); err != nil {
			errs = append(errs, fmt.Errorf("stop notify goroutine of queue %d: %w", id, err))
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.epoll != nil {
			errs = append(errs, q.epoll.Close())
		}
		if q.stop != nil {
			errs = append(errs, q.stop.Close())
		}
	}
	return errors.Join(errs...)
}
