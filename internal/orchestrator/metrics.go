package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the orchestrator's Prometheus instrumentation, grounded on the
// teacher's internal/engine.Metrics shape (latency histogram, request
// counter, error counter by kind, circuit breaker gauge).
type Metrics struct {
	RunDuration   *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	InFlightRuns  prometheus.Gauge
}

// NewMetrics registers the orchestrator's metrics against reg. A nil reg
// gets a private, unregistered registry so callers in tests never collide
// with the process-wide default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_run_duration_seconds",
			Help:    "Histogram of end-to-end execution run durations.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tenant_id", "status"}),

		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_runs_total",
			Help: "Total number of executions accepted.",
		}, []string{"tenant_id"}),

		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_errors_total",
			Help: "Total number of terminal run failures by error kind.",
		}, []string{"kind"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_tool_breaker_state",
			Help: "Current state of the tool-invocation circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"tool"}),

		InFlightRuns: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_in_flight_runs",
			Help: "Current number of runs actively being orchestrated.",
		}),
	}
}
