// Liveness and readiness probing for the HTTP gateway. Liveness is
// unconditional; readiness aggregates named dependency probes (session
// record store, workspace base dir) that run concurrently under one
// shared deadline.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// probeTimeout bounds one readiness pass across all probes.
const probeTimeout = 3 * time.Second

// CheckFunc probes one dependency. A nil error means ready.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates named dependency probes for /readyz.
// Safe for concurrent registration and probing.
type HealthChecker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthStatus is the wire form of one probe pass.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, checks: make(map[string]CheckFunc)}
}

// AddCheck registers a probe under name. Re-registering a name replaces
// the previous probe.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// CheckHealth is the liveness answer: the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe concurrently and reports
// "degraded" when any fails. A probe that overruns the shared deadline
// counts as failed through its own context error.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
	)
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			start := time.Now()
			err := fn(probeCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness probe failed",
						slog.String("check", name),
						slog.String("error", err.Error()),
					)
				}
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	status := HealthStatus{Status: "ok", Checks: results}
	for _, res := range results {
		if res.Status != "ok" {
			status.Status = "degraded"
			break
		}
	}
	return status
}
