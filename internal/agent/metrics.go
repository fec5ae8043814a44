package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	ActiveRuns  prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "morpheus",
			Subsystem: "agent",
			Name:      "pipeline_runs_total",
			Help:      "Pipelines run by the agent, by outcome.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "morpheus",
			Subsystem: "agent",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "morpheus",
			Subsystem: "agent",
			Name:      "active_pipelines",
			Help:      "Pipelines currently running.",
		}),
	}
	reg.MustRegister(m.Runs, m.RunDuration, m.ActiveRuns)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
