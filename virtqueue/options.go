package virtqueue

import (
	"io"

	"github.com/sirupsen/logrus"
)

type optionValues struct {
	logger logrus.FieldLogger
	notify func()
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// Option can be passed to [NewQueue] to influence queue creation.
type Option func(*optionValues)

// WithLogger returns an [Option] that sets the logger the queue reports
// skipped descriptors and failures to. By default nothing is logged.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *optionValues) { o.logger = l }
}

// WithNotifyCallback returns an [Option] that registers cb with the transport
// so it is called whenever the peer kicks the queue. cb must not block.
func WithNotifyCallback(cb func()) Option {
	return func(o *optionValues) { o.notify = cb }
}
