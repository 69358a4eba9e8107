package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds the subsystems every subcommand needs. Built once
// by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Workspace  *workspace.Workspace
	Obs        *observability.Observability
	Factory    *sandbox.Factory
	SandboxDir string

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path (NGOME_CONFIG, then --config, then the
// default path if it exists) and loads it.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("NGOME_CONFIG", configPath)
	if path == "" {
		if def := config.DefaultConfigPath(); fileExists(def) {
			path = def
		}
	}
	return config.Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// newLogger builds the process-wide logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// initShared loads configuration and builds the workspace, observability
// and sandbox factory. Callers must call sc.Cleanup() when done.
func initShared() (*SharedComponents, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	sc := &SharedComponents{Config: cfg, Logger: logger}

	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	if sc.SandboxDir, err = ws.SandboxDir(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	obs, err := observability.New(&cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", slog.Any("error", err))
		}
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	sc.Factory = sandbox.NewFactory(cfg.FactoryConfig(sc.SandboxDir, builtinFuncs()), logger)
	return sc, nil
}

// newBackend creates an instrumented sandbox for one execution.
func (sc *SharedComponents) newBackend(profile sandbox.ResourceProfile, preferContainer bool) (*observability.InstrumentedBackend, error) {
	b, err := sc.Factory.Create(profile, preferContainer)
	if err != nil {
		return nil, err
	}
	return observability.NewInstrumentedBackend(b, sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil(), sc.Obs.AnomalyOrNil()), nil
}

// exitCodeFor maps an execution outcome to the CLI exit status, following
// the timeout(1) and shell conventions.
func exitCodeFor(res *sandbox.ExecutionResult, err error) int {
	switch {
	case errors.Is(err, sandbox.ErrPermissionDenied):
		return 126
	case errors.Is(err, sandbox.ErrTimeout):
		return 124
	case errors.Is(err, sandbox.ErrResourceViolation):
		return 137
	case err != nil:
		return 1
	case res != nil:
		return res.ExitCode
	default:
		return 0
	}
}
