//go:build !linux

package eventfd

import "errors"

// ErrUnsupported is returned on platforms without event file descriptors.
var ErrUnsupported = errors.New("eventfd is only supported on linux")

type EventFD struct{}

func New() (*EventFD, error) { return nil, ErrUnsupported }

func FromFD(int) *EventFD { return &EventFD{} }

func (e *EventFD) Kick() error { return ErrUnsupported }

func (e *EventFD) Drain() (uint64, error) { return 0, ErrUnsupported }

func (e *EventFD) FD() int { return -1 }

func (e *EventFD) Close() error { return nil }

type Epoll struct{}

func NewEpoll(int) (*Epoll, error) { return nil, ErrUnsupported }

func (ep *Epoll) AddEvent(int) error { return ErrUnsupported }

func (ep *Epoll) Block() ([]int, error) { return nil, ErrUnsupported }

func (ep *Epoll) Clear() error { return ErrUnsupported }

func (ep *Epoll) Close() error { return nil }
