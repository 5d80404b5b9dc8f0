package guest_test

import (
	"io"
	"testing"

	"github.com/slackhq/ringhost/guest"
	"github.com/slackhq/ringhost/memory"
	"github.com/slackhq/ringhost/test"
	"github.com/slackhq/ringhost/transport"
	"github.com/slackhq/ringhost/util/virtio"
	"github.com/slackhq/ringhost/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	memoryBase = 0x100000
	itemSize   = 256
)

type loop struct {
	driver    *guest.Queue
	device    *virtqueue.Queue
	transport *transport.SharedMemory
}

func newLoop(t *testing.T, size int, features virtio.Feature) *loop {
	t.Helper()

	layout := guest.NewLayout(memoryBase, size, itemSize)
	backing := make([]byte, layout.End-memoryBase)

	mem := memory.NewTable()
	require.NoError(t, mem.Add(memory.NewRegion(memoryBase, backing)))

	driver, err := guest.NewQueue(mem, layout,
		guest.WithEventIndex(features.Has(virtio.FeatureRingEventIndex)))
	require.NoError(t, err)

	tr := transport.NewSharedMemory(test.NewLogger(), mem, features)
	require.NoError(t, tr.AddQueue(transport.QueueConfig{
		Index:           0,
		Size:            size,
		DescriptorTable: layout.DescriptorTable,
		AvailableRing:   layout.AvailableRing,
		UsedRing:        layout.UsedRing,
	}))
	t.Cleanup(func() {
		assert.NoError(t, tr.Close())
	})

	device, err := virtqueue.NewQueue(0, tr, virtqueue.WithLogger(test.NewLogger()))
	require.NoError(t, err)

	return &loop{driver: driver, device: device, transport: tr}
}

// echo serves one chain by copying its readable part into its writable part.
func (l *loop) echo(t *testing.T) {
	t.Helper()

	v := virtqueue.NewView(4, 4)
	head, ok, err := l.device.Fetch(v)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := io.Copy(&v.Writable, &v.Readable)
	require.NoError(t, err)
	require.NoError(t, l.device.Complete(head, uint32(n)))
}

func TestQueue_RoundTrip(t *testing.T) {
	l := newLoop(t, 8, virtio.FeatureVersion1)

	head, err := l.driver.Offer([][]byte{[]byte("ping "), []byte("pong")}, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, l.driver.Free())
	assert.Equal(t, 1, l.driver.Pending())

	_, ok := l.driver.TakeUsed()
	assert.False(t, ok)

	l.echo(t)

	used, ok := l.driver.TakeUsed()
	require.True(t, ok)
	assert.Equal(t, uint32(head), used.DescriptorIndex)
	assert.Equal(t, uint32(9), used.Length)

	data, err := l.driver.Read(head, used.Length)
	require.NoError(t, err)
	assert.Equal(t, "ping pong", string(data))

	require.NoError(t, l.driver.FreeDescriptorChain(head))
	assert.Equal(t, 8, l.driver.Free())
	assert.Equal(t, 0, l.driver.Pending())

	chains, bytes := l.transport.Mapped(0)
	assert.Zero(t, chains)
	assert.Zero(t, bytes)
}

func TestQueue_FreeChain(t *testing.T) {
	l := newLoop(t, 4, 0)

	a, err := l.driver.Offer(nil, 2)
	require.NoError(t, err)
	b, err := l.driver.Offer([][]byte{[]byte("x")}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, l.driver.Free())

	_, err = l.driver.Offer(nil, 1)
	assert.ErrorIs(t, err, guest.ErrNotEnoughFreeDescriptors)
	_, err = l.driver.Offer(nil, 0)
	assert.ErrorIs(t, err, guest.ErrDescriptorChainEmpty)
	_, err = l.driver.Offer([][]byte{make([]byte, itemSize+1)}, 0)
	assert.ErrorIs(t, err, guest.ErrBufferTooLarge)

	require.NoError(t, l.driver.FreeDescriptorChain(b))
	assert.ErrorIs(t, l.driver.FreeDescriptorChain(b), guest.ErrInvalidDescriptorChain)
	assert.Equal(t, 2, l.driver.Free())
	require.NoError(t, l.driver.FreeDescriptorChain(a))
	assert.Equal(t, 4, l.driver.Free())

	// Everything can be allocated again as a single chain.
	_, err = l.driver.Offer(nil, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, l.driver.Free())
}

func TestQueue_ManyRoundTrips(t *testing.T) {
	l := newLoop(t, 4, virtio.FeatureRingEventIndex)

	for i := 0; i < 1000; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		head, err := l.driver.Offer([][]byte{payload}, 1)
		require.NoError(t, err)

		l.echo(t)

		used, ok := l.driver.TakeUsed()
		require.True(t, ok)
		require.Equal(t, uint32(head), used.DescriptorIndex)

		data, err := l.driver.Read(head, used.Length)
		require.NoError(t, err)
		require.Equal(t, payload, data)
		require.NoError(t, l.driver.FreeDescriptorChain(head))
	}

	assert.Equal(t, uint64(1000), l.device.State().Completions)
}

func TestQueue_KickSuppression(t *testing.T) {
	l := newLoop(t, 8, 0)

	_, err := l.driver.Offer([][]byte{[]byte("a")}, 1)
	require.NoError(t, err)
	assert.True(t, l.driver.NeedKick())

	// While the device drains it does not want kicks.
	v := virtqueue.NewView(1, 1)
	head, ok, err := l.device.Fetch(v)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = l.driver.Offer([][]byte{[]byte("b")}, 1)
	require.NoError(t, err)
	assert.False(t, l.driver.NeedKick())

	require.NoError(t, l.device.Complete(head, 0))
	_, err = l.driver.Offer([][]byte{[]byte("c")}, 1)
	require.NoError(t, err)
	assert.True(t, l.driver.NeedKick())

	// The driver suppresses interrupts.
	l.driver.SetInterruptSuppressed(true)
	assert.False(t, l.device.NeedNotify())
	l.driver.SetInterruptSuppressed(false)
	assert.True(t, l.device.NeedNotify())
}

func TestQueue_KickWithEventIndex(t *testing.T) {
	l := newLoop(t, 8, virtio.FeatureRingEventIndex)

	_, err := l.driver.Offer([][]byte{[]byte("a")}, 1)
	require.NoError(t, err)
	// avail_event is 0, the index moved from 0 to 1.
	assert.True(t, l.driver.NeedKick())

	v := virtqueue.NewView(1, 1)
	head, _, err := l.device.Fetch(v)
	require.NoError(t, err)

	// The device has not moved avail_event while draining.
	_, err = l.driver.Offer([][]byte{[]byte("b")}, 1)
	require.NoError(t, err)
	assert.False(t, l.driver.NeedKick())

	require.NoError(t, l.device.Complete(head, 0))
	// The device now waits for index 1 to move on, which already happened.
	_, err = l.driver.Offer([][]byte{[]byte("c")}, 1)
	require.NoError(t, err)
	assert.False(t, l.driver.NeedKick())

	// The driver wants an interrupt for the first used chain only.
	assert.True(t, l.device.NeedNotify())
	_, ok := l.driver.TakeUsed()
	require.True(t, ok)

	v.Reset()
	head, _, err = l.device.Fetch(v)
	require.NoError(t, err)
	require.NoError(t, l.device.Complete(head, 0))
	assert.True(t, l.device.NeedNotify())
}
