package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what a Manager does. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	launches prometheus.Counter
	skipped  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	revokes  *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetrics creates the tracker metrics for one domain (e.g. "pin") and
// registers them with reg.
func NewMetrics(reg prometheus.Registerer, domain string) *Metrics {
	labels := prometheus.Labels{"domain": domain}

	m := &Metrics{
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pinner",
			Subsystem:   "tracker",
			Name:        "launches_total",
			Help:        "Operations dispatched by the tracker.",
			ConstLabels: labels,
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pinner",
			Subsystem:   "tracker",
			Name:        "launches_skipped_total",
			Help:        "Launches which were dropped, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pinner",
			Subsystem:   "tracker",
			Name:        "outcomes_total",
			Help:        "Completed operations, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		revokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pinner",
			Subsystem:   "tracker",
			Name:        "revokes_total",
			Help:        "Revoke calls, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pinner",
			Subsystem:   "tracker",
			Name:        "in_flight",
			Help:        "Operations currently running.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.launches, m.skipped, m.outcomes, m.revokes, m.inFlight)

	return m
}

func (m *Metrics) launched() {
	if m == nil {
		return
	}
	m.launches.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) skip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) finished(outcome string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) revoked(outcome string) {
	if m == nil {
		return
	}
	m.revokes.WithLabelValues(outcome).Inc()
}
