package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Hesabu.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session lifecycle metrics.
	SessionsTouchedTotal prometheus.Counter
	SessionsPurgedTotal  prometheus.Counter
	ActiveSessions       prometheus.Gauge

	// Workspace metrics.
	UploadsTotal     prometheus.Counter
	UploadBytesTotal prometheus.Counter

	// Script execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Intercepted file-write metrics.
	InterceptedWritesTotal *prometheus.CounterVec

	// Analysis (LLM) metrics.
	AnalysesTotal *prometheus.CounterVec
	LLMTokensUsed *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsTouchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "sessions",
			Name:      "touched_total",
			Help:      "Total session touches (creations plus last-seen updates).",
		}),

		SessionsPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "sessions",
			Name:      "purged_total",
			Help:      "Total sessions purged by the reaper or explicit request.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hesabu",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions currently tracked by the registry.",
		}),

		UploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "workspace",
			Name:      "uploads_total",
			Help:      "Total files uploaded into session workspaces.",
		}),

		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "workspace",
			Name:      "upload_bytes_total",
			Help:      "Total bytes uploaded into session workspaces.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "executions",
			Name:      "total",
			Help:      "Total sandboxed script executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hesabu",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Sandboxed script execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"status"}),

		InterceptedWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "intercept",
			Name:      "writes_total",
			Help:      "Total file writes redirected into session exports.",
		}, []string{"status"}),

		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "analysis",
			Name:      "total",
			Help:      "Total model analysis requests.",
		}, []string{"model", "status"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "analysis",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed by analysis requests.",
		}, []string{"model", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hesabu",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hesabu",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsTouchedTotal,
		m.SessionsPurgedTotal,
		m.ActiveSessions,
		m.UploadsTotal,
		m.UploadBytesTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.InterceptedWritesTotal,
		m.AnalysesTotal,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordExecution records one sandboxed execution outcome.
func (m *MetricsCollector) RecordExecution(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(seconds)
}

// RecordProduced records the per-file outcomes of an interception session.
func (m *MetricsCollector) RecordProduced(succeeded, failed int) {
	if m == nil {
		return
	}
	m.InterceptedWritesTotal.WithLabelValues("ok").Add(float64(succeeded))
	m.InterceptedWritesTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordAnalysis records one model analysis request.
func (m *MetricsCollector) RecordAnalysis(model, status string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(model, status).Inc()
	m.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
}
