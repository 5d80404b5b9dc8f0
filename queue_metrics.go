package ringhost

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// queueMetrics are the counters of one queue worker, registered as
// queue.<index>.<name>.
type queueMetrics struct {
	fetched        metrics.Counter
	completed      metrics.Counter
	abandoned      metrics.Counter
	malformed      metrics.Counter
	resourceErrors metrics.Counter
	handlerErrors  metrics.Counter
	notified       metrics.Counter
	bytes          metrics.Histogram
}

func newQueueMetrics(r metrics.Registry, index int) *queueMetrics {
	name := func(n string) string {
		return fmt.Sprintf("queue.%d.%s", index, n)
	}

	return &queueMetrics{
		fetched:        metrics.GetOrRegisterCounter(name("fetched"), r),
		completed:      metrics.GetOrRegisterCounter(name("completed"), r),
		abandoned:      metrics.GetOrRegisterCounter(name("abandoned"), r),
		malformed:      metrics.GetOrRegisterCounter(name("malformed"), r),
		resourceErrors: metrics.GetOrRegisterCounter(name("resource_errors"), r),
		handlerErrors:  metrics.GetOrRegisterCounter(name("handler_errors"), r),
		notified:       metrics.GetOrRegisterCounter(name("notified"), r),
		bytes:          metrics.GetOrRegisterHistogram(name("bytes"), r, metrics.NewExpDecaySample(1028, 0.015)),
	}
}
