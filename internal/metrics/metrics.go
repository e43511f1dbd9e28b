// Package metrics exposes Prometheus instrumentation for the analyzer and
// persistence collaborators.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeSuccess       = "success"
	OutcomeError         = "error"
	OutcomeRejected      = "rejected"
	OutcomeNotConfigured = "not_configured"
)

const (
	collaboratorAnalyzer  = "analyzer"
	collaboratorPersister = "persister"
)

// Metrics owns a private registry so tests can create as many as they like
type Metrics struct {
	registry *prometheus.Registry
	analyze  *prometheus.CounterVec
	save     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		analyze: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bonscanner",
			Name:      "analyze_total",
			Help:      "Receipt analyses by outcome.",
		}, []string{"outcome"}),
		save: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bonscanner",
			Name:      "save_total",
			Help:      "Receipt save attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bonscanner",
			Name:      "collaborator_duration_seconds",
			Help:      "Duration of calls to the analyzer and persistence services.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"collaborator"}),
	}

	m.registry.MustRegister(
		m.analyze,
		m.save,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveAnalyze records one analysis. Zero elapsed means the collaborator was never called.
func (m *Metrics) ObserveAnalyze(outcome string, elapsed time.Duration) {
	m.analyze.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(collaboratorAnalyzer).Observe(elapsed.Seconds())
	}
}

// ObserveSave records one save attempt. Zero elapsed means the collaborator was never called.
func (m *Metrics) ObserveSave(outcome string, elapsed time.Duration) {
	m.save.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(collaboratorPersister).Observe(elapsed.Seconds())
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
