package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts queue activity on the agent's registry
type Metrics struct {
	Enqueued      prometheus.Counter
	Delivered     prometheus.Counter
	Failed        prometheus.Counter
	FlushDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reliefsync",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Records written to the offline queue",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reliefsync",
			Subsystem: "queue",
			Name:      "delivered_total",
			Help:      "Queued records written to the server and removed locally",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reliefsync",
			Subsystem: "queue",
			Name:      "failed_attempts_total",
			Help:      "Delivery attempts that left the record queued",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reliefsync",
			Subsystem: "queue",
			Name:      "flush_duration_seconds",
			Help:      "Time spent per flush",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
