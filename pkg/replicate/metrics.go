package replicate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what an Engine does. A nil *Metrics records nothing.
type Metrics struct {
	ops          *prometheus.CounterVec
	replacements prometheus.Counter
	replications *prometheus.CounterVec
	duration     prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinner",
			Subsystem: "replicate",
			Name:      "node_ops_total",
			Help:      "Node operations, by action and outcome.",
		}, []string{"action", "outcome"}),
		replacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinner",
			Subsystem: "replicate",
			Name:      "replacements_total",
			Help:      "Replacement nodes requested after a failed pin.",
		}),
		replications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinner",
			Subsystem: "replicate",
			Name:      "replications_total",
			Help:      "Completed replications, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pinner",
			Subsystem: "replicate",
			Name:      "replication_seconds",
			Help:      "Time taken by Replicate.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	reg.MustRegister(m.ops, m.replacements, m.replications, m.duration)

	return m
}

func (m *Metrics) op(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.ops.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) replaced() {
	if m == nil {
		return
	}
	m.replacements.Inc()
}

func (m *Metrics) replicated(err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.replications.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}
