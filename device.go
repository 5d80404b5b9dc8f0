package ringhost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/config"
	"github.com/slackhq/ringhost/eventfd"
	"github.com/slackhq/ringhost/guest"
	"github.com/slackhq/ringhost/memory"
	"github.com/slackhq/ringhost/transport"
	"github.com/slackhq/ringhost/util"
	"github.com/slackhq/ringhost/util/virtio"
	"github.com/slackhq/ringhost/virtqueue"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMemoryBase = 0x100000
	defaultMemorySize = 16 << 20

	// memoryBaseAlignment keeps the ring alignment of guest physical
	// addresses valid for the local mapping.
	memoryBaseAlignment = 4096
)

type queueConfig struct {
	index        int
	size         int
	viewCapacity int
	mappings     int
}

type deviceConfig struct {
	memoryBase uint64
	memorySize uint64
	features   virtio.Feature
	handler    string
	retry      time.Duration
	queues     []queueConfig

	loopback bool
	itemSize int
	lbConfig loopbackConfig
}

// parseDeviceConfig reads everything the device needs from c without
// touching the system.
func parseDeviceConfig(c *config.C) (deviceConfig, error) {
	cfg := deviceConfig{
		memoryBase: c.GetUint64("memory.base", defaultMemoryBase),
		memorySize: c.GetByteSize("memory.size", defaultMemorySize),
		features:   virtio.FeatureVersion1,
		handler:    c.GetString("device.handler", "echo"),
		retry:      c.GetDuration("device.retry_interval", 10*time.Millisecond),
		loopback:   c.GetBool("loopback.enabled", true),
		itemSize:   int(c.GetByteSize("loopback.item_size", 4096)),
	}
	if c.GetBool("device.event_idx", true) {
		cfg.features |= virtio.FeatureRingEventIndex
	}
	if c.GetBool("device.order_platform", false) {
		cfg.features |= virtio.FeatureOrderPlatform
	}

	if cfg.memorySize == 0 || cfg.memorySize > 1<<40 {
		return cfg, fmt.Errorf("memory.size %d is out of range", cfg.memorySize)
	}
	if cfg.memoryBase%memoryBaseAlignment != 0 {
		return cfg, fmt.Errorf("memory.base 0x%x is not aligned to %d bytes", cfg.memoryBase, memoryBaseAlignment)
	}
	if cfg.retry <= 0 {
		return cfg, fmt.Errorf("device.retry_interval must be positive")
	}
	if _, err := newHandler(cfg.handler); err != nil {
		return cfg, err
	}
	if cfg.itemSize <= 0 {
		return cfg, fmt.Errorf("loopback.item_size must be positive")
	}

	cfg.lbConfig = loopbackConfig{
		interval: c.GetDuration("loopback.interval", 10*time.Millisecond),
		payload:  int(c.GetByteSize("loopback.payload", 512)),
		chains:   c.GetInt("loopback.chains", 8),
		verify:   cfg.handler == "echo" && c.GetBool("loopback.verify", true),
	}

	raw := c.GetMapSlice("queues")
	if len(raw) == 0 {
		raw = []map[string]any{{"index": 0}}
	}

	seen := map[int]bool{}
	for i, m := range raw {
		q, err := parseQueueConfig(m)
		if err != nil {
			return cfg, util.NewContextualError("Invalid queue", logrus.Fields{"entry": i + 1}, err)
		}
		if seen[q.index] {
			return cfg, util.NewContextualError("Duplicate queue index", logrus.Fields{"entry": i + 1, "queue": q.index}, nil)
		}
		seen[q.index] = true
		cfg.queues = append(cfg.queues, q)
	}
	sort.Slice(cfg.queues, func(i, j int) bool {
		return cfg.queues[i].index < cfg.queues[j].index
	})

	var end uint64
	for _, q := range cfg.queues {
		end = guest.NewLayout(cfg.memoryBase+end, q.size, cfg.itemSize).End - cfg.memoryBase
	}
	if end > cfg.memorySize {
		return cfg, fmt.Errorf("memory.size of %d bytes is too small for the queues, %d bytes are needed", cfg.memorySize, end)
	}

	return cfg, nil
}

func parseQueueConfig(m map[string]any) (queueConfig, error) {
	var (
		q   queueConfig
		err error
	)

	if q.index, err = mapInt(m, "index", 0); err != nil {
		return q, err
	}
	if q.size, err = mapInt(m, "size", 256); err != nil {
		return q, err
	}
	if q.viewCapacity, err = mapInt(m, "view_capacity", 16); err != nil {
		return q, err
	}
	if q.mappings, err = mapInt(m, "mappings", 0); err != nil {
		return q, err
	}

	if q.index < 0 {
		return q, fmt.Errorf("index %d is negative", q.index)
	}
	if err = virtqueue.CheckQueueSize(q.size); err != nil {
		return q, err
	}
	if q.viewCapacity <= 0 {
		return q, fmt.Errorf("view_capacity %d must be positive", q.viewCapacity)
	}
	if q.mappings < 0 {
		return q, fmt.Errorf("mappings %d is negative", q.mappings)
	}
	return q, nil
}

func mapInt(m map[string]any, k string, d int) (int, error) {
	v, ok := m[k]
	if !ok {
		return d, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%s is not an integer: %v", k, v)
	}
	return i, nil
}

// Device is the host side of a set of virtqueues living in one memory
// table, each served by its own worker. With loopback enabled it also plays
// the peer.
type Device struct {
	l         *logrus.Logger
	memory    *memory.Table
	transport *transport.SharedMemory
	queues    []*deviceQueue
}

type deviceQueue struct {
	index    int
	layout   guest.Layout
	queue    *virtqueue.Queue
	worker   *queueWorker
	loopback *loopback

	kick *eventfd.EventFD
	call *eventfd.EventFD
}

func newDevice(l *logrus.Logger, cfg deviceConfig, r metrics.Registry) (_ *Device, err error) {
	d := &Device{
		l:      l,
		memory: memory.NewTable(),
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, d.Close())
		}
	}()

	region, err := memory.NewAnonymousRegion(cfg.memoryBase, int(cfg.memorySize))
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate memory", logrus.Fields{"size": cfg.memorySize}, err)
	}
	if err = d.memory.Add(region); err != nil {
		return nil, errors.Join(err, region.Close())
	}

	d.transport = transport.NewSharedMemory(l.WithField("subsystem", "transport"), d.memory, cfg.features)

	next := cfg.memoryBase
	for _, qc := range cfg.queues {
		dq, err := d.addQueue(l, cfg, qc, next, r)
		if err != nil {
			return nil, err
		}
		next = dq.layout.End
	}

	l.WithField("features", cfg.features).
		WithField("memory", d.memory.Layout()).
		WithField("queues", len(d.queues)).
		WithField("handler", cfg.handler).
		Info("Device is ready")

	if !cfg.loopback {
		l.Warn("Loopback is disabled, the queues live in private memory that no peer can reach")
	}

	return d, nil
}

func (d *Device) addQueue(l *logrus.Logger, cfg deviceConfig, qc queueConfig, base uint64, r metrics.Registry) (*deviceQueue, error) {
	dq := &deviceQueue{
		index:  qc.index,
		layout: guest.NewLayout(base, qc.size, cfg.itemSize),
	}
	d.queues = append(d.queues, dq)

	var err error
	if dq.kick, err = eventfd.New(); err != nil {
		return nil, util.NewQueueError("Failed to create kick eventfd", qc.index, err)
	}
	if dq.call, err = eventfd.New(); err != nil {
		return nil, util.NewQueueError("Failed to create call eventfd", qc.index, err)
	}

	if cfg.loopback {
		driver, err := guest.NewQueue(d.memory, dq.layout,
			guest.WithKick(dq.kick),
			guest.WithEventIndex(cfg.features.Has(virtio.FeatureRingEventIndex)))
		if err != nil {
			return nil, util.NewQueueError("Failed to set up the loopback peer", qc.index, err)
		}
		dq.loopback, err = newLoopback(l.WithField("subsystem", "loopback").WithField("queue", qc.index), r, qc.index, driver, dq.call, cfg.lbConfig)
		if err != nil {
			return nil, util.NewQueueError("Failed to set up the loopback peer", qc.index, err)
		}
	}

	err = d.transport.AddQueue(transport.QueueConfig{
		Index:           qc.index,
		Size:            qc.size,
		DescriptorTable: dq.layout.DescriptorTable,
		AvailableRing:   dq.layout.AvailableRing,
		UsedRing:        dq.layout.UsedRing,
		Mappings:        qc.mappings,
		Kick:            dq.kick,
		Call:            dq.call,
	})
	if err != nil {
		return nil, util.NewQueueError("Failed to add queue to the transport", qc.index, err)
	}

	// Checked while parsing the config.
	handler, _ := newHandler(cfg.handler)
	wl := l.WithField("queue", qc.index)
	dq.worker = newQueueWorker(wl, d.transport, handler, newQueueMetrics(r, qc.index), qc.viewCapacity, cfg.retry)

	dq.queue, err = virtqueue.NewQueue(qc.index, d.transport,
		virtqueue.WithLogger(l.WithField("subsystem", "virtqueue")),
		virtqueue.WithNotifyCallback(dq.worker.signal))
	if err != nil {
		return nil, util.NewQueueError("Failed to bring up queue", qc.index, err)
	}
	dq.worker.queue = dq.queue

	return dq, nil
}

// run starts the workers, and the loopback peers if any, in eg.
func (d *Device) run(ctx context.Context, eg *errgroup.Group) {
	for _, dq := range d.queues {
		dq := dq
		eg.Go(func() error {
			return dq.worker.run(ctx)
		})
		if dq.loopback != nil {
			eg.Go(func() error {
				return dq.loopback.run(ctx)
			})
		}
	}
}

// Close stops the kick watchers and releases the device's memory and event
// descriptors. Workers must have stopped.
func (d *Device) Close() error {
	var errs []error
	if d.transport != nil {
		errs = append(errs, d.transport.Close())
	}
	for _, dq := range d.queues {
		if dq.kick != nil {
			errs = append(errs, dq.kick.Close())
		}
		if dq.call != nil {
			errs = append(errs, dq.call.Close())
		}
	}
	errs = append(errs, d.memory.Close())
	return errors.Join(errs...)
}

// QueueInfo describes the state of one queue of the device.
type QueueInfo struct {
	Index           int    `json:"index"`
	Size            int    `json:"size"`
	LastAvailable   uint16 `json:"lastAvailable"`
	LastUsed        uint16 `json:"lastUsed"`
	Claimed         int    `json:"claimed"`
	Pending         int    `json:"pending"`
	PendingError    string `json:"pendingError,omitempty"`
	Completions     uint64 `json:"completions"`
	EventIndex      bool   `json:"eventIndex"`
	RelaxedOrdering bool   `json:"relaxedOrdering"`
	Suppressed      bool   `json:"suppressed"`
	Failed          bool   `json:"failed"`
	MappedChains    int    `json:"mappedChains"`
	MappedBytes     int    `json:"mappedBytes"`

	DescriptorTable uint64 `json:"descriptorTable"`
	AvailableRing   uint64 `json:"availableRing"`
	UsedRing        uint64 `json:"usedRing"`
}

func (d *Device) queueInfo(dq *deviceQueue) QueueInfo {
	s := dq.queue.State()
	qi := QueueInfo{
		Index:           dq.index,
		Size:            s.Size,
		LastAvailable:   s.LastAvailable,
		LastUsed:        s.LastUsed,
		Claimed:         s.Claimed,
		Completions:     s.Completions,
		EventIndex:      s.Capabilities.EventIndex,
		RelaxedOrdering: s.Capabilities.RelaxedOrdering,
		Suppressed:      s.Suppressed,
		Failed:          s.Failed || d.transport.Failed(dq.index),
		DescriptorTable: dq.layout.DescriptorTable,
		AvailableRing:   dq.layout.AvailableRing,
		UsedRing:        dq.layout.UsedRing,
	}

	pending, err := dq.queue.Pending()
	if err != nil {
		qi.PendingError = err.Error()
	}
	qi.Pending = pending
	qi.MappedChains, qi.MappedBytes = d.transport.Mapped(dq.index)
	return qi
}

// Queues returns the state of every queue, ordered by index.
func (d *Device) Queues() []QueueInfo {
	infos := make([]QueueInfo, 0, len(d.queues))
	for _, dq := range d.queues {
		infos = append(infos, d.queueInfo(dq))
	}
	return infos
}

// Queue returns the state of the queue with the given index.
func (d *Device) Queue(index int) (QueueInfo, bool) {
	for _, dq := range d.queues {
		if dq.index == index {
			return d.queueInfo(dq), true
		}
	}
	return QueueInfo{}, false
}

// MemoryLayout returns the regions of the device's memory.
func (d *Device) MemoryLayout() memory.Layout {
	return d.memory.Layout()
}
