package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker runs named dependency probes for the readiness endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is one dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthChecker{logger: logger}
}

// AddCheck registers a probe. Names should be unique.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness, which holds as long as the process serves.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every probe concurrently under a shared deadline. Any
// failing probe makes the aggregate degraded.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		if results[i].Status != StatusOK {
			status.Status = StatusDegraded
		}
		status.Checks[c.Name] = results[i]
	}
	return status
}

// run executes one probe, giving up when ctx ends even if the probe does not.
func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.Check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Message = StatusFail, err.Error()
		h.logger.Warn("readiness check failed",
			slog.String("check", c.Name),
			slog.String("error", err.Error()),
		)
	}
	return res
}
