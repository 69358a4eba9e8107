package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ngome"

// MetricsCollector holds all Prometheus metrics for ngome.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxExecutionsTotal           *prometheus.CounterVec
	SandboxExecutionDuration         *prometheus.HistogramVec
	SandboxTerminationsTotal         *prometheus.CounterVec
	SandboxValidationRejectionsTotal *prometheus.CounterVec
	SandboxActive                    prometheus.Gauge

	// Reaper metrics.
	ReaperRemovedTotal *prometheus.CounterVec

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"backend"}),

		SandboxTerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "terminations_total",
			Help:      "Executions ended by the sandbox, by reason.",
		}, []string{"backend", "reason"}),

		SandboxValidationRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "validation_rejections_total",
			Help:      "Commands rejected before execution.",
		}, []string{"backend"}),

		SandboxActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandbox instances set up and not yet cleaned up.",
		}),

		ReaperRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "removed_total",
			Help:      "Orphaned sandbox resources removed by the reaper.",
		}, []string{"kind"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxTerminationsTotal,
		m.SandboxValidationRejectionsTotal,
		m.SandboxActive,
		m.ReaperRemovedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordReaped counts resources removed by the reaper. Nil-safe.
func (m *MetricsCollector) RecordReaped(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReaperRemovedTotal.WithLabelValues(kind).Add(float64(n))
}
