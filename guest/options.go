package guest

import "github.com/slackhq/ringhost/eventfd"

type optionValues struct {
	kick       *eventfd.EventFD
	eventIndex bool
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

// Option can be passed to [NewQueue] to influence queue creation.
type Option func(*optionValues)

// WithKick returns an [Option] that sets the event file descriptor
// [Queue.Kick] signals. Without it kicks are dropped.
func WithKick(kick *eventfd.EventFD) Option {
	return func(o *optionValues) { o.kick = kick }
}

// WithEventIndex returns an [Option] that makes the queue use used_event and
// avail_event for notification suppression. It must match the features the
// device sees.
func WithEventIndex(enabled bool) Option {
	return func(o *optionValues) { o.eventIndex = enabled }
}
