package virtqueue

import (
	"errors"
	"io"
)

// ErrIOVFull is returned when a scatter-gather list has no free slot left.
var ErrIOVFull = errors.New("scatter-gather list is full")

// IOV is one list of a scatter-gather view: the local buffers backing one
// direction of a descriptor chain. The storage is supplied by the caller and
// never grows.
//
// Read and Write move a cursor through the buffers. The buffers themselves are
// never resliced, so Reset always restores them to the ranges the transport
// appended.
type IOV struct {
	iov  [][]byte
	used int

	// i is the buffer the cursor is in, consumed the offset within it.
	i        int
	consumed int
}

// NewIOV returns an IOV with room for len(storage) buffers.
func NewIOV(storage [][]byte) IOV {
	return IOV{iov: storage}
}

// Append adds a buffer. It is called by transports while mapping a chain.
func (v *IOV) Append(b []byte) error {
	if v.used == len(v.iov) {
		return ErrIOVFull
	}
	v.iov[v.used] = b
	v.used++
	return nil
}

// Len is the number of buffers in use.
func (v *IOV) Len() int {
	return v.used
}

// Cap is the number of buffers the list can hold.
func (v *IOV) Cap() int {
	return len(v.iov)
}

// Buffers returns the buffers in use.
func (v *IOV) Buffers() [][]byte {
	return v.iov[:v.used]
}

// Bytes is the total length of all buffers in use.
func (v *IOV) Bytes() int {
	n := 0
	for _, b := range v.iov[:v.used] {
		n += len(b)
	}
	return n
}

// Remaining is the number of bytes after the cursor.
func (v *IOV) Remaining() int {
	if v.i >= v.used {
		return 0
	}
	n := len(v.iov[v.i]) - v.consumed
	for _, b := range v.iov[v.i+1 : v.used] {
		n += len(b)
	}
	return n
}

// Read copies bytes from the buffers into p, advancing the cursor. It returns
// io.EOF once every buffer was consumed.
func (v *IOV) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && v.i < v.used {
		c := copy(p[n:], v.iov[v.i][v.consumed:])
		n += c
		v.consumed += c
		if v.consumed == len(v.iov[v.i]) {
			v.i++
			v.consumed = 0
		}
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write copies p into the buffers, advancing the cursor. It returns
// io.ErrShortWrite when p does not fit.
func (v *IOV) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) && v.i < v.used {
		c := copy(v.iov[v.i][v.consumed:], p[n:])
		n += c
		v.consumed += c
		if v.consumed == len(v.iov[v.i]) {
			v.i++
			v.consumed = 0
		}
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Rewind moves the cursor back to the first byte.
func (v *IOV) Rewind() {
	v.i = 0
	v.consumed = 0
}

// Reset empties the list and drops the references to the buffers.
func (v *IOV) Reset() {
	clear(v.iov[:v.used])
	v.used = 0
	v.Rewind()
}

// View holds the local buffers a descriptor chain was translated into.
type View struct {
	// Readable holds the buffers the peer filled for the device.
	Readable IOV
	// Writable holds the buffers the device may fill for the peer.
	Writable IOV
}

// NewView allocates a view with room for the given number of readable and
// writable buffers.
func NewView(readable, writable int) *View {
	return &View{
		Readable: NewIOV(make([][]byte, readable)),
		Writable: NewIOV(make([][]byte, writable)),
	}
}

// Reset empties both lists.
func (v *View) Reset() {
	v.Readable.Reset()
	v.Writable.Reset()
}
