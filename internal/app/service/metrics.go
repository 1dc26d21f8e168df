package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters exported by the tracking pipeline.
type Metrics struct {
	Skipped          *prometheus.CounterVec
	ThrottleRejected prometheus.Counter
	Recorded         *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	Flushed          prometheus.Counter
	FlushBatchSize   prometheus.Histogram
	Reclaims         prometheus.Counter
}

// NewMetrics creates and registers the pipeline metrics on reg. A nil reg
// yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pageviews", Subsystem: "classifier", Name: "skipped_total",
			Help: "Requests not eligible for tracking, by reason.",
		}, []string{"reason"}),
		ThrottleRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pageviews", Subsystem: "throttle", Name: "rejected_total",
			Help: "Visits suppressed as duplicates within the throttle window.",
		}),
		Recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pageviews", Subsystem: "recorder", Name: "recorded_total",
			Help: "Admitted visits handed to storage, by mode.",
		}, []string{"mode"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pageviews", Subsystem: "recorder", Name: "errors_total",
			Help: "Swallowed tracking errors, by stage.",
		}, []string{"stage"}),
		Flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pageviews", Subsystem: "buffer", Name: "flushed_total",
			Help: "Buffered views written to the event store.",
		}),
		FlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pageviews", Subsystem: "buffer", Name: "flush_batch_size",
			Help:    "Number of payloads popped per flush.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		Reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pageviews", Subsystem: "buffer", Name: "reclaims_total",
			Help: "Flushes triggered by stale buffered payloads.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Skipped, m.ThrottleRejected, m.Recorded, m.Errors, m.Flushed, m.FlushBatchSize, m.Reclaims)
	}
	return m
}

func metricsOrDefault(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
