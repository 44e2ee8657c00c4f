package pricefeed

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sljivkov/pricegate/domain"
)

// Metrics counts update outcomes
type Metrics struct {
	calls        *prometheus.CounterVec
	batches      prometheus.Counter
	observations *prometheus.CounterVec
}

// NewMetrics creates and registers the update metrics. A nil registerer
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pricegate",
				Subsystem: "updates",
				Name:      "calls_total",
				Help:      "Update calls by outcome.",
			},
			[]string{"outcome"},
		),
		batches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pricegate",
				Subsystem: "updates",
				Name:      "batches_total",
				Help:      "Batches applied to the feed store.",
			},
		),
		observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pricegate",
				Subsystem: "updates",
				Name:      "observations_total",
				Help:      "Observations processed by freshness.",
			},
			[]string{"fresh"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.calls, m.batches, m.observations)
	}

	return m
}

func (m *Metrics) call(outcome string) {
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) batch(res domain.BatchResult) {
	m.batches.Inc()
	m.observations.WithLabelValues("true").Add(float64(res.FreshCount))
	m.observations.WithLabelValues("false").Add(float64(res.BatchSize - res.FreshCount))
}
