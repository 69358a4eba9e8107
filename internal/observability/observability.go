// Package observability instruments sandbox executions and the HTTP surface
// with Prometheus metrics, OpenTelemetry spans, per-backend anomaly
// detection and readiness probes. Every component is optional; nil values
// record nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/ngome/internal/config"
)

// Observability bundles the components built from one config section.
// Health is always set; the others are nil when disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the enabled components. A nil cfg yields a nil *Observability,
// on which every accessor is still safe to call.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs := &Observability{
		Tracer: tracer,
		Health: NewHealthChecker(logger),
	}
	if cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// BackendErrorRateCheck is a readiness probe failing while any of the given
// backend kinds is above the anomaly threshold. It always passes when
// anomaly detection is disabled.
func (o *Observability) BackendErrorRateCheck(kinds ...string) func(context.Context) error {
	a := o.AnomalyOrNil()
	return func(context.Context) error {
		for _, kind := range kinds {
			if a.Anomalous(kind) {
				rate, _ := a.ErrorRate(kind)
				return fmt.Errorf("%s backend error rate %.0f%% above threshold", kind, rate*100)
			}
		}
		return nil
	}
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
