package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestNilAccessors(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize vec metrics so they appear in Gather (a CounterVec only
	// shows up after its first use).
	m.SessionsTouchedTotal.Inc()
	m.ExecutionsTotal.WithLabelValues("success").Inc()
	m.InterceptedWritesTotal.WithLabelValues("ok").Inc()
	m.AnalysesTotal.WithLabelValues("gpt-4o", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"hesabu_sessions_touched_total",
		"hesabu_executions_total",
		"hesabu_intercept_writes_total",
		"hesabu_analysis_total",
		"hesabu_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordExecution(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordExecution("success", 0.2)
	m.RecordExecution("success", 0.5)
	m.RecordExecution("error", 1.0)

	if got := counterValue(t, m.Registry, "hesabu_executions_total", prometheus.Labels{"status": "success"}); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "hesabu_executions_total", prometheus.Labels{"status": "error"}); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestMetricsCollector_RecordProduced(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordProduced(3, 1)

	if got := counterValue(t, m.Registry, "hesabu_intercept_writes_total", prometheus.Labels{"status": "ok"}); got != 3 {
		t.Errorf("ok count = %v, want 3", got)
	}
	if got := counterValue(t, m.Registry, "hesabu_intercept_writes_total", prometheus.Labels{"status": "failed"}); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

func TestMetricsCollector_RecordAnalysis(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordAnalysis("gpt-4o", "success", 50, 20)

	if got := counterValue(t, m.Registry, "hesabu_analysis_total", prometheus.Labels{"model": "gpt-4o", "status": "success"}); got != 1 {
		t.Errorf("analyses = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "hesabu_analysis_tokens_used_total", prometheus.Labels{"model": "gpt-4o", "direction": "input"}); got != 50 {
		t.Errorf("input tokens = %v, want 50", got)
	}
	if got := counterValue(t, m.Registry, "hesabu_analysis_tokens_used_total", prometheus.Labels{"model": "gpt-4o", "direction": "output"}); got != 20 {
		t.Errorf("output tokens = %v, want 20", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	// Recording helpers must be no-ops on a nil collector.
	var m *MetricsCollector
	m.RecordExecution("success", 0.1)
	m.RecordProduced(1, 0)
	m.RecordAnalysis("gpt-4o", "success", 1, 1)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("workspace", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("workspace", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["workspace"].Status != "ok" {
		t.Errorf("workspace check = %q, want ok", status.Checks["workspace"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_FailureDetail(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	res := status.Checks["db"]
	if res.Error != "connection refused" {
		t.Errorf("check error = %q, want the probe's message", res.Error)
	}
	if res.LatencyMS < 0 {
		t.Errorf("latency = %d, want >= 0", res.LatencyMS)
	}
}

func TestHealthChecker_ReplaceCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("stale") })
	h.AddCheck("db", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok after replacing the failing probe", status.Status)
	}
	if len(status.Checks) != 1 {
		t.Errorf("got %d checks, want 1", len(status.Checks))
	}
}

func TestHealthChecker_ProbesRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)

	// Each probe waits for the other to start. Sequential execution would
	// park the first probe until the shared deadline fails it.
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	h.AddCheck("a", func(ctx context.Context) error {
		close(aStarted)
		select {
		case <-bStarted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.AddCheck("b", func(ctx context.Context) error {
		close(bStarted)
		select {
		case <-aStarted:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok: %+v", status.Status, status.Checks)
	}
}

// --- Middleware route labels ---

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/files/20240101123000_report.xlsx", "/v1/files/:name"},
		{"/v1/exports/20240101123000_out.csv", "/v1/exports/:name"},
		{"/v1/files", "/v1/files"},
		{"/v1/exports", "/v1/exports"},
		{"/v1/session", "/v1/session"},
		{"/healthz", "/healthz"},
	}
	for _, tc := range tests {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

// --- InstrumentedSandbox (wrapper) ---

type mockSandbox struct {
	result *sandbox.RunResult
	err    error
	called int
}

func (m *mockSandbox) Run(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error) {
	m.called++
	return m.result, m.err
}

func TestInstrumentedSandbox_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{
		result: &sandbox.RunResult{ExitCode: 0, Duration: 100 * time.Millisecond},
	}

	s := NewInstrumentedSandbox(inner, "process", metrics, nil)
	result, err := s.Run(context.Background(), sandbox.RunRequest{Interpreter: "python3", ScriptPath: "/tmp/s.py"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	val := counterValue(t, metrics.Registry, "hesabu_executions_total", prometheus.Labels{"status": "success"})
	if val != 1 {
		t.Errorf("executions = %v, want 1", val)
	}
}

func TestInstrumentedSandbox_NonzeroExit(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{
		result: &sandbox.RunResult{ExitCode: 3},
	}

	s := NewInstrumentedSandbox(inner, "docker", metrics, nil)
	if _, err := s.Run(context.Background(), sandbox.RunRequest{Interpreter: "python3", ScriptPath: "/tmp/s.py"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val := counterValue(t, metrics.Registry, "hesabu_executions_total", prometheus.Labels{"status": "nonzero_exit"})
	if val != 1 {
		t.Errorf("nonzero_exit executions = %v, want 1", val)
	}
}

func TestInstrumentedSandbox_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{err: errors.New("docker not found")}

	s := NewInstrumentedSandbox(inner, "docker", metrics, nil)
	if _, err := s.Run(context.Background(), sandbox.RunRequest{Interpreter: "python3", ScriptPath: "/tmp/s.py"}); err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "hesabu_executions_total", prometheus.Labels{"status": "error"})
	if val != 1 {
		t.Errorf("error executions = %v, want 1", val)
	}
}

func TestInstrumentedSandbox_NilMetrics(t *testing.T) {
	inner := &mockSandbox{result: &sandbox.RunResult{}}

	// nil metrics should not panic.
	s := NewInstrumentedSandbox(inner, "process", nil, nil)
	if _, err := s.Run(context.Background(), sandbox.RunRequest{Interpreter: "sh", ScriptPath: "/tmp/s.sh"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
