package ringhost

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ringhost/memory"
	"github.com/slackhq/ringhost/sshd"
	"golang.org/x/sync/errgroup"
)

// Every interaction here needs to take extra care to copy state and not hand
// out the internals of the device.

type Control struct {
	device     *Device
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	eg         *errgroup.Group
	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart func()
}

// Start runs the queue workers, this is a nonblocking call. To block use
// Control.ShutdownBlock()
func (c *Control) Start() {
	// Call all the delayed funcs that waited patiently for the device to be created.
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	c.device.run(c.ctx, c.eg)
}

// Context returns the context that is done once Stop was called.
func (c *Control) Context() context.Context {
	return c.ctx
}

// Stop signals the workers to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	if c.ssh != nil {
		c.ssh.Stop()
	}
	if err := c.eg.Wait(); err != nil {
		c.l.WithError(err).Error("Queue worker failed")
	}
	if err := c.device.Close(); err != nil {
		c.l.WithError(err).Error("Close device failed")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// ListQueues returns the state of every queue.
func (c *Control) ListQueues() []QueueInfo {
	return c.device.Queues()
}

// GetQueueInfo returns the state of a single queue, or nil if it does not exist
func (c *Control) GetQueueInfo(index int) *QueueInfo {
	qi, ok := c.device.Queue(index)
	if !ok {
		return nil
	}
	return &qi
}

// MemoryLayout returns the regions of the device's memory.
func (c *Control) MemoryLayout() memory.Layout {
	return c.device.MemoryLayout()
}

func (c *Control) GetLogger() *logrus.Logger {
	return c.l
}
