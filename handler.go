package ringhost

import (
	"errors"
	"fmt"
	"io"

	"github.com/slackhq/ringhost/virtqueue"
)

// ErrRetryLater is returned by a Handler that can not serve a chain right
// now. The chain is abandoned and fetched again later.
var ErrRetryLater = errors.New("device is busy, retry later")

// Handler serves the descriptor chains of one queue. It reads the request
// from v.Readable, writes its response into v.Writable and returns the
// number of bytes written.
type Handler interface {
	Handle(v *virtqueue.View) (uint32, error)
}

type HandlerFunc func(v *virtqueue.View) (uint32, error)

func (f HandlerFunc) Handle(v *virtqueue.View) (uint32, error) {
	return f(v)
}

// EchoHandler copies the readable part of a chain into its writable part.
// Requests larger than the writable part are truncated.
type EchoHandler struct {
	buf []byte
}

func NewEchoHandler() *EchoHandler {
	return &EchoHandler{buf: make([]byte, 4096)}
}

func (h *EchoHandler) Handle(v *virtqueue.View) (uint32, error) {
	n, err := io.CopyBuffer(&v.Writable, &v.Readable, h.buf)
	if errors.Is(err, io.ErrShortWrite) {
		err = nil
	}
	return uint32(n), err
}

// ZeroHandler fills the writable part of a chain with zeros and ignores the
// request.
type ZeroHandler struct{}

func (ZeroHandler) Handle(v *virtqueue.View) (uint32, error) {
	var n uint32
	for _, b := range v.Writable.Buffers() {
		clear(b)
		n += uint32(len(b))
	}
	return n, nil
}

// DiscardHandler consumes requests without writing a response.
type DiscardHandler struct{}

func (DiscardHandler) Handle(*virtqueue.View) (uint32, error) {
	return 0, nil
}

// newHandler returns a fresh handler by its config name. Every queue worker
// gets its own.
func newHandler(name string) (Handler, error) {
	switch name {
	case "echo":
		return NewEchoHandler(), nil
	case "zero":
		return ZeroHandler{}, nil
	case "discard":
		return DiscardHandler{}, nil
	default:
		return nil, fmt.Errorf("unknown device handler `%s`. possible handlers: %s", name, []string{"echo", "zero", "discard"})
	}
}
