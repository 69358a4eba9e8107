package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/sandbox"
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
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability must expose nil components")
	}
	obs.Shutdown(context.Background())
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("disabled components should be nil")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil || obs.AnomalyOrNil() == nil {
		t.Error("enabled components should be created")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	// Vectors only appear in Gather after first use.
	m.SandboxExecutionsTotal.WithLabelValues("process", "success").Inc()
	m.SandboxTerminationsTotal.WithLabelValues("process", "timeout").Inc()
	m.SandboxValidationRejectionsTotal.WithLabelValues("process").Inc()
	m.RecordReaped("workdir", 2)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"ngome_sandbox_executions_total",
		"ngome_sandbox_terminations_total",
		"ngome_sandbox_validation_rejections_total",
		"ngome_sandbox_active",
		"ngome_reaper_removed_total",
		"ngome_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
	if got := counterValue(t, m.Registry, "ngome_reaper_removed_total", prometheus.Labels{"kind": "workdir"}); got != 2 {
		t.Errorf("reaper removed = %v, want 2", got)
	}
}

func TestRecordReaped_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordReaped("workdir", 1)
}

// --- HealthChecker ---

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()).Status; got != "ok" {
		t.Errorf("no checks: status = %q, want ok", got)
	}

	h.AddCheck("workspace", func(ctx context.Context) error { return nil })
	h.AddCheck("container_runtime", func(ctx context.Context) error { return errors.New("no runtime") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["workspace"].Status != "ok" {
		t.Errorf("workspace check = %+v", status.Checks["workspace"])
	}
	if c := status.Checks["container_runtime"]; c.Status != "fail" || c.Message != "no runtime" {
		t.Errorf("runtime check = %+v", c)
	}
	if h.CheckHealth().Status != "ok" {
		t.Error("liveness must be ok")
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if got := h.CheckReady(ctx).Status; got != "degraded" {
		t.Errorf("status = %q, want degraded", got)
	}
}

func TestHealthChecker_StuckProbe(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := NewHealthChecker(nil)
	h.AddCheck("stuck", func(context.Context) error {
		<-release
		return nil
	})
	h.AddCheck("fast", func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	status := h.CheckReady(ctx)
	if time.Since(start) > time.Second {
		t.Errorf("CheckReady waited %s for a probe ignoring its context", time.Since(start))
	}
	if status.Status != StatusDegraded || status.Checks["stuck"].Status != StatusFail {
		t.Errorf("status = %+v", status)
	}
	if status.Checks["fast"].Status != StatusOK {
		t.Errorf("fast probe = %+v", status.Checks["fast"])
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordFailure("process")
	a.RecordSuccess("process")
	if a.Anomalous("process") {
		t.Error("nil detector flagged a backend")
	}
}

func TestBackendErrorRateCheck(t *testing.T) {
	var disabled *Observability
	if err := disabled.BackendErrorRateCheck("process")(context.Background()); err != nil {
		t.Errorf("disabled detection failed the probe: %v", err)
	}

	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	obs := &Observability{Anomaly: a}
	check := obs.BackendErrorRateCheck("process", "container")
	if err := check(context.Background()); err != nil {
		t.Fatalf("healthy backends: %v", err)
	}
	for range 5 {
		a.RecordFailure("container")
	}
	err := check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "container backend error rate 100%") {
		t.Errorf("probe error = %v", err)
	}
}

func TestAnomalyDetector_Threshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	for range 4 {
		a.RecordSuccess("process")
	}
	if _, ok := a.ErrorRate("process"); ok {
		t.Error("rate reported below the minimum sample count")
	}
	for range 6 {
		a.RecordFailure("process")
	}
	rate, ok := a.ErrorRate("process")
	if !ok || rate != 0.6 {
		t.Errorf("rate = %v, %v, want 0.6", rate, ok)
	}
	if !a.Anomalous("process") {
		t.Error("60% failures above a 50% threshold should be anomalous")
	}
	if a.Anomalous("container") {
		t.Error("backends are tracked independently")
	}

	// Everything ages out of the window.
	now = now.Add(2 * time.Minute)
	for range 5 {
		a.RecordSuccess("process")
	}
	if a.Anomalous("process") {
		t.Error("detector did not recover after the window passed")
	}
}

// --- InstrumentedBackend ---

type fakeBackend struct {
	kind    string
	state   sandbox.State
	res     *sandbox.ExecutionResult
	err     error
	cleaned int
}

func (f *fakeBackend) Setup(context.Context) (string, error) {
	f.state = sandbox.StateReady
	return "/tmp/fake", nil
}
func (f *fakeBackend) Execute(context.Context, sandbox.ExecRequest) (*sandbox.ExecutionResult, error) {
	return f.res, f.err
}
func (f *fakeBackend) Cleanup() error {
	f.cleaned++
	f.state = sandbox.StateCleanedUp
	return nil
}
func (f *fakeBackend) State() sandbox.State { return f.state }
func (f *fakeBackend) ID() string           { return "fake-1" }
func (f *fakeBackend) Kind() string         { return f.kind }

type fakeFunctionBackend struct{ fakeBackend }

func (f *fakeFunctionBackend) ExecuteFunction(context.Context, sandbox.FunctionCall) (*sandbox.ExecutionResult, error) {
	return f.res, f.err
}

func TestInstrumentedBackend_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		res        *sandbox.ExecutionResult
		err        error
		wantStatus string
	}{
		{"success", &sandbox.ExecutionResult{}, nil, "success"},
		{"nonzero", &sandbox.ExecutionResult{ExitCode: 3}, nil, "nonzero_exit"},
		{"rejected", nil, &sandbox.ValidationError{Command: "rm", Reason: "not allowed"}, "rejected"},
		{"timeout", &sandbox.ExecutionResult{TerminatedReason: sandbox.ReasonTimeout}, fmt.Errorf("%w after 1s", sandbox.ErrTimeout), "timeout"},
		{"memory", &sandbox.ExecutionResult{TerminatedReason: sandbox.ReasonMemoryLimit}, &sandbox.ResourceViolationError{Reason: sandbox.ReasonMemoryLimit}, "resource_violation"},
		{"error", nil, errors.New("fork failed"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			b := NewInstrumentedBackend(&fakeBackend{kind: "process", res: tt.res, err: tt.err}, metrics, nil, nil)

			_, _ = b.Execute(context.Background(), sandbox.ExecRequest{Command: "echo"})

			if got := counterValue(t, metrics.Registry, "ngome_sandbox_executions_total", prometheus.Labels{"backend": "process", "status": tt.wantStatus}); got != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tt.wantStatus, got)
			}
			wantRejections := 0.0
			if tt.wantStatus == "rejected" {
				wantRejections = 1
			}
			if got := counterValue(t, metrics.Registry, "ngome_sandbox_validation_rejections_total", prometheus.Labels{"backend": "process"}); got != wantRejections {
				t.Errorf("rejections = %v, want %v", got, wantRejections)
			}
			if tt.res != nil && tt.res.TerminatedReason != sandbox.ReasonNone {
				labels := prometheus.Labels{"backend": "process", "reason": tt.res.TerminatedReason.String()}
				if got := counterValue(t, metrics.Registry, "ngome_sandbox_terminations_total", labels); got != 1 {
					t.Errorf("terminations = %v, want 1", got)
				}
			}
		})
	}
}

func TestInstrumentedBackend_ActiveGauge(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fakeBackend{kind: "container"}
	b := NewInstrumentedBackend(inner, metrics, nil, nil)

	if _, err := b.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, _ = b.Setup(context.Background())
	if got := gaugeValue(t, metrics.Registry, "ngome_sandbox_active"); got != 1 {
		t.Errorf("active after setup = %v, want 1", got)
	}
	_ = b.Cleanup()
	_ = b.Cleanup()
	if got := gaugeValue(t, metrics.Registry, "ngome_sandbox_active"); got != 0 {
		t.Errorf("active after cleanup = %v, want 0", got)
	}
	if inner.cleaned != 2 {
		t.Errorf("inner cleanup calls = %d, want 2", inner.cleaned)
	}
	if b.State() != sandbox.StateCleanedUp || b.Unwrap() != inner {
		t.Error("wrapper must delegate state and expose the inner backend")
	}
}

func TestInstrumentedBackend_ExecuteFunction(t *testing.T) {
	plain := NewInstrumentedBackend(&fakeBackend{kind: "container"}, nil, nil, nil)
	if _, err := plain.ExecuteFunction(context.Background(), sandbox.FunctionCall{Name: "f"}); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}

	sr := tracetest.NewSpanRecorder()
	ts := newTracerSetup("test", sdktrace.WithSpanProcessor(sr))
	inner := &fakeFunctionBackend{fakeBackend{kind: "process", res: &sandbox.ExecutionResult{}}}
	b := NewInstrumentedBackend(inner, NewMetricsCollector(), ts, nil)

	if _, err := b.ExecuteFunction(context.Background(), sandbox.FunctionCall{Name: "sum"}); err != nil {
		t.Fatalf("ExecuteFunction: %v", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "sandbox.execute_function" {
		t.Fatalf("spans = %v", spans)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["sandbox.function"] != "sum" || attrs["sandbox.backend"] != "process" || attrs["sandbox.status"] != "success" {
		t.Errorf("span attributes = %v", attrs)
	}
}

func TestInstrumentedBackend_FeedsAnomalyDetector(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5}, nil)
	b := NewInstrumentedBackend(&fakeBackend{kind: "process", err: errors.New("fork failed")}, nil, nil, a)
	for range 5 {
		_, _ = b.Execute(context.Background(), sandbox.ExecRequest{Command: "echo"})
	}
	if !a.Anomalous("process") {
		t.Error("repeated backend errors should be anomalous")
	}

	rejected := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5}, nil)
	r := NewInstrumentedBackend(&fakeBackend{kind: "process", err: &sandbox.ValidationError{Command: "rm"}}, nil, nil, rejected)
	for range 5 {
		_, _ = r.Execute(context.Background(), sandbox.ExecRequest{Command: "rm"})
	}
	if _, ok := rejected.ErrorRate("process"); ok {
		t.Error("validation rejections must not count toward backend health")
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
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
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
