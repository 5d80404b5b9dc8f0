//go:build linux

package eventfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	gvisoreventfd "gvisor.dev/gvisor/pkg/eventfd"
)

func TestEventFD_KickDrain(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
		// A second close is a no-op.
		assert.NoError(t, e.Close())
	})

	v, err := e.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, e.Kick())
	require.NoError(t, e.Kick())
	v, err = e.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestEpoll_Block(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	ep, err := NewEpoll(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
		assert.NoError(t, a.Close())
		assert.NoError(t, b.Close())
	})

	require.NoError(t, ep.AddEvent(a.FD()))
	require.NoError(t, ep.AddEvent(b.FD()))

	require.NoError(t, b.Kick())
	ready, err := ep.Block()
	require.NoError(t, err)
	assert.Equal(t, []int{b.FD()}, ready)

	require.NoError(t, ep.Clear())
	v, err := b.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

// Tests that the epoll loop wakes up for a peer's eventfd created outside of
// this package.
func TestEpoll_PeerEventFD(t *testing.T) {
	efd, err := gvisoreventfd.Create()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	ep, err := NewEpoll(1)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
	})
	require.NoError(t, ep.AddEvent(efd.FD()))

	done := make(chan []int)
	go func() {
		ready, err := ep.Block()
		assert.NoError(t, err)
		done <- append([]int(nil), ready...)
	}()

	select {
	case <-done:
		t.Fatal("woke up before the peer kicked")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, efd.Notify())
	select {
	case ready := <-done:
		assert.Equal(t, []int{efd.FD()}, ready)
	case <-time.After(5 * time.Second):
		t.Fatal("epoll did not wake up")
	}
	require.NoError(t, ep.Clear())
}

func TestEventFD_WakesPeer(t *testing.T) {
	efd, err := gvisoreventfd.Create()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	// The peer's descriptor is duplicated so both sides own one.
	dup, err := unix.Dup(efd.FD())
	require.NoError(t, err)
	kick := FromFD(dup)
	t.Cleanup(func() {
		assert.NoError(t, kick.Close())
	})

	done := make(chan error)
	go func() {
		done <- efd.Wait()
	}()

	require.NoError(t, kick.Kick())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not wake up")
	}
}
