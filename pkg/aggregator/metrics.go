package aggregator

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the aggregator's prometheus instruments.
type Metrics struct {
	Inserted      prometheus.Counter
	Commits       prometheus.Counter
	FlushTicks    prometheus.Counter
	BatchSize     prometheus.Histogram
	CommitLatency prometheus.Histogram
}

// NewMetrics creates the instruments and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sinkbench_records_inserted_total",
			Help: "Samples inserted into an open batch.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sinkbench_commits_total",
			Help: "Batches committed, including empty ones.",
		}),
		FlushTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sinkbench_flush_ticks_total",
			Help: "Flush ticks observed while draining.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sinkbench_batch_size",
			Help:    "Records per committed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sinkbench_commit_latency_seconds",
			Help:    "Time spent in the store's commit.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Inserted, m.Commits, m.FlushTicks, m.BatchSize, m.CommitLatency)
	}
	return m
}
