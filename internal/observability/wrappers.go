package observability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// InstrumentedBackend wraps a sandbox.Backend with metrics, tracing, and
// anomaly detection. It also forwards ExecuteFunction when the wrapped
// backend supports it.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	metrics *MetricsCollector
	tracing *TracerSetup
	anomaly *AnomalyDetector

	active atomic.Bool
}

// NewInstrumentedBackend wraps a sandbox backend with observability.
func NewInstrumentedBackend(inner sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracing: ts,
		anomaly: anomaly,
	}
}

// Unwrap returns the wrapped backend.
func (b *InstrumentedBackend) Unwrap() sandbox.Backend { return b.inner }

func (b *InstrumentedBackend) ID() string           { return b.inner.ID() }
func (b *InstrumentedBackend) Kind() string         { return b.inner.Kind() }
func (b *InstrumentedBackend) State() sandbox.State { return b.inner.State() }

func (b *InstrumentedBackend) Setup(ctx context.Context) (string, error) {
	dir, err := b.inner.Setup(ctx)
	if err == nil && b.active.CompareAndSwap(false, true) && b.metrics != nil {
		b.metrics.SandboxActive.Inc()
	}
	return dir, err
}

func (b *InstrumentedBackend) Cleanup() error {
	err := b.inner.Cleanup()
	if b.active.CompareAndSwap(true, false) && b.metrics != nil {
		b.metrics.SandboxActive.Dec()
	}
	return err
}

func (b *InstrumentedBackend) Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecutionResult, error) {
	ctx, span, end := b.tracing.StartSpan(ctx, "sandbox.execute", b.spanAttrs(attribute.String("sandbox.command", req.Command))...)
	start := time.Now()
	res, err := b.inner.Execute(ctx, req)
	b.record(span, time.Since(start), res, err)
	end(err)
	return res, err
}

func (b *InstrumentedBackend) ExecuteFunction(ctx context.Context, call sandbox.FunctionCall) (*sandbox.ExecutionResult, error) {
	fe, ok := b.inner.(sandbox.FunctionExecutor)
	if !ok {
		return nil, fmt.Errorf("%s backend: %w", b.inner.Kind(), sandbox.ErrUnsupported)
	}
	ctx, span, end := b.tracing.StartSpan(ctx, "sandbox.execute_function", b.spanAttrs(attribute.String("sandbox.function", call.Name))...)
	start := time.Now()
	res, err := fe.ExecuteFunction(ctx, call)
	b.record(span, time.Since(start), res, err)
	end(err)
	return res, err
}

func (b *InstrumentedBackend) spanAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	return append(extra,
		attribute.String("sandbox.backend", b.inner.Kind()),
		attribute.String("sandbox.id", b.inner.ID()),
	)
}

func (b *InstrumentedBackend) record(span trace.Span, elapsed time.Duration, res *sandbox.ExecutionResult, err error) {
	kind := b.inner.Kind()
	status := executionStatus(res, err)

	span.SetAttributes(attribute.String("sandbox.status", status))
	if res != nil {
		span.SetAttributes(
			attribute.Int("sandbox.exit_code", res.ExitCode),
			attribute.Int("sandbox.pid", res.PID),
		)
		if res.TerminatedReason != sandbox.ReasonNone {
			span.SetAttributes(attribute.String("sandbox.terminated_reason", res.TerminatedReason.String()))
		}
	}

	if b.metrics != nil {
		b.metrics.SandboxExecutionsTotal.WithLabelValues(kind, status).Inc()
		b.metrics.SandboxExecutionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
		if res != nil && res.TerminatedReason != sandbox.ReasonNone {
			b.metrics.SandboxTerminationsTotal.WithLabelValues(kind, res.TerminatedReason.String()).Inc()
		}
		if status == "rejected" {
			b.metrics.SandboxValidationRejectionsTotal.WithLabelValues(kind).Inc()
		}
	}

	switch status {
	case "rejected":
		// Caller errors say nothing about backend health.
	case "success", "nonzero_exit", "function_error":
		b.anomaly.RecordSuccess(kind)
	default:
		b.anomaly.RecordFailure(kind)
	}
}

// executionStatus maps an execution outcome to the status metric label.
func executionStatus(res *sandbox.ExecutionResult, err error) string {
	var fnErr *sandbox.FunctionError
	switch {
	case errors.Is(err, sandbox.ErrPermissionDenied):
		return "rejected"
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrResourceViolation):
		return "resource_violation"
	case errors.As(err, &fnErr):
		return "function_error"
	case err != nil:
		return "error"
	case res != nil && res.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

var (
	_ sandbox.Backend          = (*InstrumentedBackend)(nil)
	_ sandbox.FunctionExecutor = (*InstrumentedBackend)(nil)
)
