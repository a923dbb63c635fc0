package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Job outcomes recorded by Metrics.
const (
	OutcomeDone    = "done"
	OutcomeRetried = "retried"
	OutcomeFailed  = "failed"
)

// Metrics holds the job and status-transition collectors.
type Metrics struct {
	processed   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nftindexer",
			Name:      "jobs_processed_total",
			Help:      "Jobs handled, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nftindexer",
			Name:      "job_duration_seconds",
			Help:      "Handler latency per queue.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"queue"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nftindexer",
			Name:      "order_status_transitions_total",
			Help:      "Order status writes, by producer and resulting statuses.",
		}, []string{"source", "fillability", "approval"}),
	}
	reg.MustRegister(m.processed, m.duration, m.transitions)
	return m
}

// ObserveJob records one handled job.
func (m *Metrics) ObserveJob(queue, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(queue, outcome).Inc()
	m.duration.WithLabelValues(queue).Observe(took.Seconds())
}

// RecordTransition counts one order status write.
func (m *Metrics) RecordTransition(source string, fill domain.FillabilityStatus, approval domain.ApprovalStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(source, string(fill), string(approval)).Inc()
}
