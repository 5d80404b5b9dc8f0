package ringhost

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/util"
	"github.com/slackhq/ringhost/virtqueue"
)

// queueWorker is the single consumer of one queue. It sleeps until the peer
// kicks, then serves chains until the queue runs dry.
type queueWorker struct {
	l         logrus.FieldLogger
	queue     *virtqueue.Queue
	transport virtqueue.Transport
	handler   Handler
	view      *virtqueue.View
	metrics   *queueMetrics

	// retryInterval is how long an abandoned chain waits before it is
	// fetched again.
	retryInterval time.Duration
	wake          chan struct{}
}

func newQueueWorker(l logrus.FieldLogger, t virtqueue.Transport, handler Handler, m *queueMetrics, viewCapacity int, retryInterval time.Duration) *queueWorker {
	return &queueWorker{
		l:             l,
		transport:     t,
		handler:       handler,
		view:          virtqueue.NewView(viewCapacity, viewCapacity),
		metrics:       m,
		retryInterval: retryInterval,
		wake:          make(chan struct{}, 1),
	}
}

// signal wakes the worker up. It is the queue's notify callback and never
// blocks.
func (w *queueWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run serves the queue until ctx is done or the queue failed.
func (w *queueWorker) run(ctx context.Context) error {
	var retry <-chan time.Time
	for {
		again, err := w.drain()
		if err != nil {
			util.LogWithContextIfNeeded("Queue worker stopped", err, w.l)
			return nil
		}

		retry = nil
		if again {
			retry = time.After(w.retryInterval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-retry:
		}
	}
}

// drain serves chains until none are pending and notifies the peer if it
// asked for it. It reports whether chains were left behind to be retried. An
// error means the queue can not be served anymore.
func (w *queueWorker) drain() (bool, error) {
	served := 0
	defer func() {
		if served > 0 {
			w.notify()
		}
	}()

	for {
		head, ok, err := w.queue.Fetch(w.view)
		switch {
		case errors.Is(err, virtqueue.ErrMalformedChain), errors.Is(err, virtqueue.ErrAvailableIndexCorrupt):
			w.metrics.malformed.Inc(1)
			w.transport.MarkFailed(w.queue.ID())
			return false, util.NewQueueError("Peer published a malformed ring", w.queue.ID(), err)

		case errors.Is(err, virtqueue.ErrQueueFailed):
			return false, util.NewQueueError("Queue has failed", w.queue.ID(), err)

		case err != nil:
			w.metrics.resourceErrors.Inc(1)
			w.l.WithError(err).Warn("Failed to map a chain, will retry")
			return true, nil

		case !ok:
			return false, nil
		}

		w.metrics.fetched.Inc(1)
		n, err := w.handler.Handle(w.view)
		w.view.Reset()

		if errors.Is(err, ErrRetryLater) {
			if err := w.queue.Abandon(1); err != nil {
				return false, util.NewQueueError("Failed to abandon chain", w.queue.ID(), err)
			}
			w.metrics.abandoned.Inc(1)
			return true, nil
		}
		if err != nil {
			w.metrics.handlerErrors.Inc(1)
			w.l.WithError(err).WithField("head", head).Warn("Device failed to handle chain")
		}

		if err := w.queue.Complete(head, n); err != nil {
			return false, util.NewQueueError("Failed to complete chain", w.queue.ID(), err)
		}
		w.metrics.completed.Inc(1)
		w.metrics.bytes.Update(int64(n))
		served++
	}
}

func (w *queueWorker) notify() {
	if !w.queue.NeedNotify() {
		return
	}

	if err := w.queue.Notify(); err != nil {
		w.l.WithError(err).Error("Failed to notify the peer")
		return
	}
	w.metrics.notified.Inc(1)
}
