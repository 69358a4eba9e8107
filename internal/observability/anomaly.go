package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second

	// minAnomalySamples is the window population below which no rate is reported.
	minAnomalySamples = 5
)

// AnomalyDetector flags backends whose execution failure rate exceeds a
// threshold within a sliding window.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFailure records a failed execution on the given backend.
func (a *AnomalyDetector) RecordFailure(backend string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, backend).add(a.now())
	a.check(backend)
}

// RecordSuccess records a successful execution on the given backend.
func (a *AnomalyDetector) RecordSuccess(backend string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, backend).add(a.now())
	a.check(backend)
}

// Anomalous reports whether the backend is currently above the threshold.
func (a *AnomalyDetector) Anomalous(backend string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[backend]
}

// ErrorRate returns the failure rate within the window and whether enough
// samples were recorded for it to be meaningful.
func (a *AnomalyDetector) ErrorRate(backend string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(backend)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(backend string) (float64, bool) {
	now := a.now()
	failed := a.windowFor(a.failures, backend).count(now)
	total := failed + a.windowFor(a.successes, backend).count(now)
	if total < minAnomalySamples {
		return 0, false
	}
	return float64(failed) / float64(total), true
}

// check logs on the transition into and out of the anomalous state.
// Must be called with a.mu held.
func (a *AnomalyDetector) check(backend string) {
	if a.threshold <= 0 {
		return
	}
	rate, ok := a.rate(backend)
	if !ok {
		return
	}
	anomalous := rate > a.threshold
	if anomalous == a.flagged[backend] {
		return
	}
	a.flagged[backend] = anomalous
	if anomalous {
		a.logger.Warn("anomaly detected: high sandbox failure rate",
			slog.String("backend", backend),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
		)
		return
	}
	a.logger.Info("sandbox failure rate back below threshold",
		slog.String("backend", backend),
		slog.Float64("error_rate", rate),
	)
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
