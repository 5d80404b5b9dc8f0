package virtqueue_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/slackhq/ringhost/util/virtio"
	"github.com/slackhq/ringhost/virtqueue"
	"github.com/stretchr/testify/require"
)

var (
	errOutOfBounds   = errors.New("range outside of peer memory")
	errMappingExists = errors.New("mapping exists")
	errUnknownHead   = errors.New("unknown head")
)

// alignedBytes returns n zeroed bytes starting at an 8 byte boundary.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)[:n:n]
}

// fakeTransport plays the peer: addresses are offsets into memory.
type fakeTransport struct {
	parts    virtqueue.QueueParts
	features virtio.Feature
	memory   []byte

	mapped   map[uint16]bool
	mapErr   error
	relErr   error
	maps     int
	releases int
	notified int
	failed   bool
	notifyCB func()
}

func (f *fakeTransport) QueueParts(queueID int) (virtqueue.QueueParts, error) {
	if queueID != 0 {
		return virtqueue.QueueParts{}, fmt.Errorf("no queue %d", queueID)
	}
	return f.parts, nil
}

func (f *fakeTransport) PeerFeatures() virtio.Feature {
	return f.features
}

func (f *fakeTransport) RegisterNotify(_ int, cb func()) error {
	f.notifyCB = cb
	return nil
}

func (f *fakeTransport) translate(r virtqueue.Range) ([]byte, error) {
	end := r.Address + uint64(r.Length)
	if end > uint64(len(f.memory)) {
		return nil, fmt.Errorf("%w: 0x%x+%d", errOutOfBounds, r.Address, r.Length)
	}
	return f.memory[r.Address:end:end], nil
}

func (f *fakeTransport) Map(_ int, head uint16, readable, writable []virtqueue.Range, v *virtqueue.View) error {
	f.maps++
	if f.mapErr != nil {
		return f.mapErr
	}
	if f.mapped[head] {
		return errMappingExists
	}
	for _, r := range readable {
		b, err := f.translate(r)
		if err == nil {
			err = v.Readable.Append(b)
		}
		if err != nil {
			v.Reset()
			return err
		}
	}
	for _, r := range writable {
		b, err := f.translate(r)
		if err == nil {
			err = v.Writable.Append(b)
		}
		if err != nil {
			v.Reset()
			return err
		}
	}
	f.mapped[head] = true
	return nil
}

func (f *fakeTransport) Release(_ int, head uint16) error {
	f.releases++
	if f.relErr != nil {
		return f.relErr
	}
	if !f.mapped[head] {
		return errUnknownHead
	}
	delete(f.mapped, head)
	return nil
}

func (f *fakeTransport) NotifyPeer(int) error {
	f.notified++
	return nil
}

func (f *fakeTransport) MarkFailed(int) {
	f.failed = true
}

// driver is the peer's half of the queue.
type driver struct {
	t     *testing.T
	size  int
	parts virtqueue.QueueParts
	avail *virtqueue.AvailableRingWriter
	used  *virtqueue.UsedRingReader
	next  uint16
}

func (d *driver) setDescriptor(index uint16, desc virtqueue.Descriptor) {
	virtqueue.PutDescriptor(d.parts.DescriptorTable, index, desc)
}

func (d *driver) offer(heads ...uint16) {
	for _, head := range heads {
		d.avail.SetHead(d.next, head)
		d.next++
	}
	d.avail.Publish(d.next)
}

// startAt moves both ring indexes as if idx chains had already been used.
func (d *driver) startAt(idx uint16) {
	d.next = idx
	d.avail.Publish(idx)
	binary.LittleEndian.PutUint16(d.parts.UsedRing[2:4], idx)
}

func (d *driver) usedFlags() virtqueue.UsedRingFlag {
	return d.used.Flags()
}

func newHarness(t *testing.T, size int, features virtio.Feature) (*fakeTransport, *driver) {
	t.Helper()

	parts := virtqueue.QueueParts{
		DescriptorTable: alignedBytes(virtqueue.DescriptorTableSize(size)),
		AvailableRing:   alignedBytes(virtqueue.AvailableRingSize(size)),
		UsedRing:        alignedBytes(virtqueue.UsedRingSize(size)),
		Size:            size,
	}
	ft := &fakeTransport{
		parts:    parts,
		features: features,
		memory:   make([]byte, 64*1024),
		mapped:   map[uint16]bool{},
	}
	d := &driver{
		t:     t,
		size:  size,
		parts: parts,
		avail: virtqueue.NewAvailableRingWriter(size, parts.AvailableRing),
		used:  virtqueue.NewUsedRingReader(size, parts.UsedRing),
	}
	return ft, d
}

func newTestQueue(t *testing.T, ft *fakeTransport, options ...virtqueue.Option) *virtqueue.Queue {
	t.Helper()
	q, err := virtqueue.NewQueue(0, ft, options...)
	require.NoError(t, err)
	return q
}
