// Package server exposes the operational HTTP surface of `ngome serve`:
// liveness, readiness and Prometheus metrics. It never accepts execution
// requests.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/ngome/internal/observability"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr  string
	MetricsPath string // Default: "/metrics"

	Metrics       *observability.MetricsCollector // nil = no /metrics endpoint
	Tracer        *observability.TracerSetup
	HealthChecker *observability.HealthChecker
}

// Server serves /healthz, /readyz and the metrics endpoint.
type Server struct {
	config Config
	logger *slog.Logger
	okapi  *okapi.Okapi

	mu     sync.Mutex
	server *http.Server
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		config: cfg,
		logger: logger,
		okapi:  okapi.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	mw := observability.RequestMiddleware(s.config.Metrics, s.config.Tracer)

	s.okapi.Get("/healthz", mw(s.handleLiveness))
	s.okapi.Get("/readyz", mw(s.handleReadiness))

	if s.config.Metrics != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	// Stop may have run before the server was registered.
	if ctx.Err() != nil {
		return nil
	}

	s.logger.Info("http server starting", slog.String("addr", s.config.ListenAddr))
	err := s.okapi.StartServer(srv)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("http server stopping")
	return s.okapi.Shutdown(srv)
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: observability.StatusOK})
}

// handleReadiness runs the registered checks and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: observability.StatusOK})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
