//go:build linux

// Package eventfd wraps Linux event file descriptors, the doorbells a virtio
// peer and device use to kick each other.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking event counter.
type EventFD struct {
	fd  int
	buf [8]byte
}

// New creates an event file descriptor with a counter of zero.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// FromFD wraps an event file descriptor handed over by a peer. The EventFD
// takes ownership of fd.
func FromFD(fd int) *EventFD {
	return &EventFD{fd: fd}
}

// Kick adds one to the counter, waking anyone waiting on the descriptor.
func (e *EventFD) Kick() error {
	// The counter is a host endian uint64.
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	return err
}

// Drain resets the counter and returns its value. A counter of zero is not an
// error.
func (e *EventFD) Drain() (uint64, error) {
	_, err := unix.Read(e.fd, e.buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

// Close closes the descriptor. Closing twice is a no-op.
func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// Epoll waits for any of a set of event file descriptors to become readable.
type Epoll struct {
	fd     int
	buf    [8]byte
	events []unix.EpollEvent
	ready  []int
}

// NewEpoll creates an epoll instance that reports up to maxEvents
// descriptors per Block.
func NewEpoll(maxEvents int) (*Epoll, error) {
	if maxEvents < 1 {
		maxEvents = 1
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]int, 0, maxEvents),
	}, nil
}

// AddEvent watches fd for readability.
func (ep *Epoll) AddEvent(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Block waits until at least one descriptor is readable and returns the
// readable descriptors. The returned slice is reused by the next call. An
// interrupted wait returns no descriptors and no error.
func (ep *Epoll) Block() ([]int, error) {
	ep.ready = ep.ready[:0]
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ep.ready, nil
		}
		return nil, err
	}
	for _, ev := range ep.events[:n] {
		ep.ready = append(ep.ready, int(ev.Fd))
	}
	return ep.ready, nil
}

// Clear drains every descriptor reported by the last Block.
func (ep *Epoll) Clear() error {
	var errs []error
	for _, fd := range ep.ready {
		if _, err := unix.Read(fd, ep.buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the epoll instance, not the watched descriptors.
func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
