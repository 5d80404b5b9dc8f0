//go:build linux

package ringhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ringhost/sshd"
	"github.com/slackhq/ringhost/test"
	"github.com/slackhq/ringhost/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testDeviceConfig = `
memory: {size: 1M}
device: {handler: echo}
loopback: {interval: 1ms, payload: 3000, chains: 4, item_size: 1K}
queues:
  - {index: 0, size: 16, view_capacity: 4}
  - {index: 1, size: 32, view_capacity: 4}
`

func TestDevice_Loopback(t *testing.T) {
	cfg, err := parseDeviceConfig(loadTestConfig(t, testDeviceConfig))
	require.NoError(t, err)

	r := metrics.NewRegistry()
	d, err := newDevice(test.NewLogger(), cfg, r)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	d.run(ctx, eg)

	count := func(format string, index int) int64 {
		return metrics.GetOrRegisterCounter(fmt.Sprintf(format, index), r).Count()
	}
	require.Eventually(t, func() bool {
		return count("loopback.%d.reaped", 0) >= 50 && count("loopback.%d.reaped", 1) >= 50
	}, 10*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, eg.Wait())

	for _, index := range []int{0, 1} {
		assert.Positive(t, count("queue.%d.completed", index))
		assert.Zero(t, count("queue.%d.malformed", index))
		assert.Zero(t, count("loopback.%d.mismatched", index))
	}

	queues := d.Queues()
	require.Len(t, queues, 2)
	assert.Equal(t, 0, queues[0].Index)
	assert.Equal(t, 16, queues[0].Size)
	assert.Equal(t, 32, queues[1].Size)
	for _, q := range queues {
		assert.False(t, q.Failed)
		assert.True(t, q.EventIndex)
		assert.Positive(t, q.Completions)
		assert.Empty(t, q.PendingError)
		assert.Equal(t, q.Claimed, q.MappedChains)
	}

	_, ok := d.Queue(7)
	assert.False(t, ok)

	layout := d.MemoryLayout()
	require.Len(t, layout, 1)
	assert.Equal(t, uint64(defaultMemoryBase), layout[0].GuestPhysicalAddress)
	assert.Equal(t, uint64(1<<20), layout[0].Size)

	require.NoError(t, d.Close())
}

func TestDevice_LoopbackDisabled(t *testing.T) {
	cfg, err := parseDeviceConfig(loadTestConfig(t, `
memory: {size: 1M}
loopback: {enabled: false}
queues:
  - {index: 0, size: 16, view_capacity: 4}
`))
	require.NoError(t, err)

	l, logs := test.NewBufferedLogger()
	d, err := newDevice(l, cfg, metrics.NewRegistry())
	require.NoError(t, err)

	assert.Contains(t, logs.String(), "Loopback is disabled, the queues live in private memory that no peer can reach")
	require.Len(t, d.queues, 1)
	assert.Nil(t, d.queues[0].loopback)
	require.NoError(t, d.Close())
}

func TestNewLoopback_Invalid(t *testing.T) {
	h := newWorkerHarness(t, 4, virtio.FeatureVersion1, DiscardHandler{})
	r := metrics.NewRegistry()

	_, err := newLoopback(test.NewLogger(), r, 0, h.driver, nil, loopbackConfig{chains: 1})
	assert.EqualError(t, err, "loopback.interval must be positive")

	_, err = newLoopback(test.NewLogger(), r, 0, h.driver, nil, loopbackConfig{interval: time.Second})
	assert.EqualError(t, err, "loopback.chains must be positive")

	// 3 items out and 3 in do not fit 4 descriptors.
	_, err = newLoopback(test.NewLogger(), r, 0, h.driver, nil, loopbackConfig{interval: time.Second, chains: 1, payload: 600})
	assert.EqualError(t, err, "loopback.payload of 600 bytes does not fit a queue of size 4")
}

func TestLoopback_Tick(t *testing.T) {
	h := newWorkerHarness(t, 8, virtio.FeatureVersion1, NewEchoHandler())
	r := metrics.NewRegistry()

	lb, err := newLoopback(test.NewLogger(), r, 0, h.driver, h.call, loopbackConfig{
		interval: time.Second,
		payload:  300,
		chains:   10,
		verify:   true,
	})
	require.NoError(t, err)
	assert.Len(t, lb.request, 2)

	// Only 2 chains of 4 descriptors fit.
	require.NoError(t, lb.tick())
	assert.Equal(t, int64(2), lb.offered.Count())
	assert.Zero(t, h.driver.Free())

	_, err = h.worker.drain()
	require.NoError(t, err)

	require.NoError(t, lb.tick())
	assert.Equal(t, int64(2), lb.reaped.Count())
	assert.Zero(t, lb.mismatched.Count())
	assert.Equal(t, int64(1), lb.interrupts.Count())
	assert.Equal(t, int64(4), lb.offered.Count())
}

func TestLoopback_Mismatch(t *testing.T) {
	h := newWorkerHarness(t, 8, virtio.FeatureVersion1, ZeroHandler{})
	r := metrics.NewRegistry()

	lb, err := newLoopback(test.NewLogger(), r, 0, h.driver, nil, loopbackConfig{
		interval: time.Second,
		payload:  16,
		chains:   1,
		verify:   true,
	})
	require.NoError(t, err)

	require.NoError(t, lb.tick())
	_, err = h.worker.drain()
	require.NoError(t, err)
	require.NoError(t, lb.tick())

	assert.Equal(t, int64(1), lb.reaped.Count())
	assert.Equal(t, int64(1), lb.mismatched.Count())
}

func TestMain_Loopback(t *testing.T) {
	l := test.NewLogger()
	c := loadTestConfig(t, testDeviceConfig)

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	ctrl.Start()

	require.Eventually(t, func() bool {
		qi := ctrl.GetQueueInfo(1)
		return qi != nil && qi.Completions >= 20
	}, 10*time.Second, time.Millisecond)

	buf := &bytes.Buffer{}
	w := sshd.NewStringWriter(buf)

	require.NoError(t, sshListQueues(ctrl, &sshListQueuesFlags{}, w))
	assert.Contains(t, buf.String(), "0: size=16 ")
	assert.Contains(t, buf.String(), "1: size=32 ")
	assert.NotContains(t, buf.String(), "failed")

	buf.Reset()
	require.NoError(t, sshListQueues(ctrl, &sshListQueuesFlags{Json: true}, w))
	var infos []QueueInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &infos))
	assert.Len(t, infos, 2)

	buf.Reset()
	require.NoError(t, sshQueueState(ctrl, &sshQueueStateFlags{}, []string{"1"}, w))
	var qi QueueInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &qi))
	assert.Equal(t, 1, qi.Index)
	assert.Equal(t, 32, qi.Size)

	buf.Reset()
	require.NoError(t, sshQueueState(ctrl, &sshQueueStateFlags{}, []string{"9"}, w))
	assert.Equal(t, "Could not find queue: 9\n", buf.String())

	buf.Reset()
	require.NoError(t, sshQueueState(ctrl, &sshQueueStateFlags{}, []string{"one"}, w))
	assert.Equal(t, "The provided queue index could not be parsed: one\n", buf.String())

	buf.Reset()
	require.NoError(t, sshQueueState(ctrl, &sshQueueStateFlags{}, nil, w))
	assert.Equal(t, "No queue index was provided\n", buf.String())

	ctrl.Stop()
	assert.ErrorIs(t, ctrl.Context().Err(), context.Canceled)
}

func TestMain_ConfigTest(t *testing.T) {
	l, logs := test.NewBufferedLogger()
	c := loadTestConfig(t, testDeviceConfig)

	ctrl, err := Main(c, true, "test", l)
	require.NoError(t, err)
	assert.Nil(t, ctrl)
	assert.Contains(t, logs.String(), "view_capacity: 4")
}

func TestMain_InvalidConfig(t *testing.T) {
	c := loadTestConfig(t, "device: {handler: nope}")

	ctrl, err := Main(c, false, "test", test.NewLogger())
	assert.Nil(t, ctrl)
	assert.ErrorContains(t, err, "unknown device handler `nope`")
}
