package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the per-loop-iteration observability counters and histograms.
// Each Component gets its own registry so multiple instances (e.g. in tests)
// don't collide on metric names.
type metrics struct {
	registry         *prometheus.Registry
	messagesRead     prometheus.Counter
	messagesArchived prometheus.Counter
	messagesDLQ      prometheus.Counter
	resultsPublished prometheus.Counter
	decodeFailures   prometheus.Counter
	handlerLatency   *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	return &metrics{
		registry: reg,
		messagesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_messages_read_total",
			Help: "Messages read from source queues.",
		}),
		messagesArchived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_messages_archived_total",
			Help: "Messages archived after a successful handler outcome.",
		}),
		messagesDLQ: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_messages_dlq_total",
			Help: "Messages moved to a dead-letter queue.",
		}),
		resultsPublished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_results_published_total",
			Help: "Result envelopes published to routing entry result queues.",
		}),
		decodeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_decode_failures_total",
			Help: "Messages whose body failed to decode as JSON.",
		}),
		handlerLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_handler_latency_seconds",
			Help:    "Handler execution latency per routing entry.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler_name", "queue"}),
	}
}
