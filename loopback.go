package ringhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/eventfd"
	"github.com/slackhq/ringhost/guest"
)

// loopback plays the peer of one queue: it offers chains carrying a fixed
// payload and reaps them once the device completed them.
type loopback struct {
	l      logrus.FieldLogger
	driver *guest.Queue
	call   *eventfd.EventFD

	interval time.Duration
	chains   int
	// request is the payload split into item sized buffers.
	request [][]byte
	payload []byte
	verify  bool

	offered    metrics.Counter
	reaped     metrics.Counter
	mismatched metrics.Counter
	interrupts metrics.Counter
}

type loopbackConfig struct {
	interval time.Duration
	payload  int
	chains   int
	verify   bool
}

func newLoopback(l logrus.FieldLogger, r metrics.Registry, index int, driver *guest.Queue, call *eventfd.EventFD, cfg loopbackConfig) (*loopback, error) {
	if cfg.interval <= 0 {
		return nil, fmt.Errorf("loopback.interval must be positive")
	}
	if cfg.chains <= 0 {
		return nil, fmt.Errorf("loopback.chains must be positive")
	}

	payload := make([]byte, cfg.payload)
	for i := range payload {
		payload[i] = byte(i)
	}

	itemSize := driver.Layout().ItemSize
	var request [][]byte
	for rest := payload; len(rest) > 0; {
		n := min(len(rest), itemSize)
		request = append(request, rest[:n])
		rest = rest[n:]
	}
	if 2*max(len(request), 1) > driver.Size() {
		return nil, fmt.Errorf("loopback.payload of %d bytes does not fit a queue of size %d", cfg.payload, driver.Size())
	}

	name := func(n string) string {
		return fmt.Sprintf("loopback.%d.%s", index, n)
	}

	return &loopback{
		l:          l,
		driver:     driver,
		call:       call,
		interval:   cfg.interval,
		chains:     cfg.chains,
		request:    request,
		payload:    payload,
		verify:     cfg.verify,
		offered:    metrics.GetOrRegisterCounter(name("offered"), r),
		reaped:     metrics.GetOrRegisterCounter(name("reaped"), r),
		mismatched: metrics.GetOrRegisterCounter(name("mismatched"), r),
		interrupts: metrics.GetOrRegisterCounter(name("interrupts"), r),
	}, nil
}

// inBuffers is the number of writable items offered with every request.
func (lb *loopback) inBuffers() int {
	return max(len(lb.request), 1)
}

func (lb *loopback) run(ctx context.Context) error {
	ticker := time.NewTicker(lb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := lb.tick(); err != nil {
			lb.l.WithError(err).Error("Loopback peer stopped")
			return nil
		}
	}
}

// tick reaps completed chains and offers new ones.
func (lb *loopback) tick() error {
	if lb.call != nil {
		n, err := lb.call.Drain()
		if err != nil {
			return fmt.Errorf("drain interrupts: %w", err)
		}
		lb.interrupts.Inc(int64(n))
	}

	if err := lb.reap(); err != nil {
		return err
	}
	return lb.offer()
}

func (lb *loopback) reap() error {
	for {
		e, ok := lb.driver.TakeUsed()
		if !ok {
			return nil
		}

		head := uint16(e.DescriptorIndex)
		if lb.verify {
			resp, err := lb.driver.Read(head, e.Length)
			if err != nil {
				return fmt.Errorf("read response of chain %d: %w", head, err)
			}
			if !bytes.Equal(resp, lb.payload) {
				lb.mismatched.Inc(1)
				lb.l.WithField("head", head).
					WithField("length", e.Length).
					Warn("Response does not match the request")
			}
		}

		if err := lb.driver.FreeDescriptorChain(head); err != nil {
			return fmt.Errorf("free chain %d: %w", head, err)
		}
		lb.reaped.Inc(1)
	}
}

func (lb *loopback) offer() error {
	offered := 0
	for ; offered < lb.chains; offered++ {
		_, err := lb.driver.Offer(lb.request, lb.inBuffers())
		if errors.Is(err, guest.ErrNotEnoughFreeDescriptors) {
			break
		}
		if err != nil {
			return fmt.Errorf("offer chain: %w", err)
		}
	}
	lb.offered.Inc(int64(offered))

	if offered > 0 && lb.driver.NeedKick() {
		return lb.driver.Kick()
	}
	return nil
}
