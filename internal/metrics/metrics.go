// Package metrics exposes the tracer's Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pipeline_tracer"

type Metrics struct {
	EventsProcessed      *prometheus.CounterVec
	RestartGaps          *prometheus.CounterVec
	VerificationFailures *prometheus.CounterVec
	OpenScopes           prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg creates
// unregistered metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of build lifecycle events processed",
			},
			[]string{"event"},
		),
		RestartGaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restart_gaps_total",
				Help:      "Total number of lookups or removals that found no span, typically after a restart",
			},
			[]string{"op"},
		),
		VerificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_failures_total",
				Help:      "Total number of span bookkeeping invariant violations",
			},
			[]string{"op"},
		),
		OpenScopes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_scopes",
				Help:      "Number of activated span scopes not yet closed",
			},
		),
	}
}

// RegisterRunsInMemory registers a gauge reporting the value of fn on scrape.
func RegisterRunsInMemory(reg prometheus.Registerer, fn func() float64) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_memory",
			Help:      "Number of runs with span state held in memory",
		},
		fn,
	)
}

func (m *Metrics) EventProcessed(event string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(event).Inc()
}

func (m *Metrics) RestartGap(op string) {
	if m == nil {
		return
	}
	m.RestartGaps.WithLabelValues(op).Inc()
}

func (m *Metrics) VerificationFailed(op string) {
	if m == nil {
		return
	}
	m.VerificationFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ScopeOpened() {
	if m == nil {
		return
	}
	m.OpenScopes.Inc()
}

func (m *Metrics) ScopeClosed() {
	if m == nil {
		return
	}
	m.OpenScopes.Dec()
}
