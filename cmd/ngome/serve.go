package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/ngome/internal/reaper"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/server"
)

var (
	serveListen  string
	serveLogFile bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health and metrics endpoints and reap stale sandboxes",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override listen address (e.g. :9090)")
	serveCmd.Flags().BoolVar(&serveLogFile, "log-file", false, "also write logs to the workspace logs directory")
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	cfg := sc.Config
	logger := sc.Logger
	if serveLogFile {
		path, err := sc.Workspace.LogFile("serve")
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logger = newLogger(cfg.Logging, io.MultiWriter(os.Stderr, f))
		logger.Info("logging to file", slog.String("path", path))
	}
	if serveListen != "" {
		cfg.Server.ListenAddr = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registerReadinessChecks(sc)

	if cfg.Reaper.Enabled {
		r, err := reaper.New(reaper.Config{
			Dir:      sc.SandboxDir,
			Schedule: cfg.Reaper.Schedule,
			MaxAge:   cfg.Reaper.MaxAge(),
		}, sc.Obs.MetricsOrNil().RecordReaped, logger)
		if err != nil {
			return fmt.Errorf("initializing reaper: %w", err)
		}
		// Directories left by a previous crash go first.
		if _, err := r.Sweep(ctx); err != nil {
			logger.Warn("initial sweep failed", slog.Any("error", err))
		}
		stopReaper := r.Start(ctx)
		defer stopReaper()
		logger.Info("reaper started",
			slog.String("schedule", cfg.Reaper.Schedule),
			slog.Duration("max_age", cfg.Reaper.MaxAge()),
		)
	}

	srv := server.New(server.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		MetricsPath:   cfg.Observability.Metrics.Path,
		Metrics:       sc.Obs.MetricsOrNil(),
		Tracer:        sc.Obs.TracerOrNil(),
		HealthChecker: sc.Obs.Health,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return srv.Stop()
	})
	return g.Wait()
}

// registerReadinessChecks wires the dependencies /readyz reports on.
func registerReadinessChecks(sc *SharedComponents) {
	cfg := sc.Config
	health := sc.Obs.Health

	health.AddCheck("workspace", func(context.Context) error {
		return sc.Workspace.CheckWritable()
	})

	if cfg.Sandbox.PreferContainer || cfg.Sandbox.RequireContainer {
		health.AddCheck("container_runtime", func(context.Context) error {
			if _, ok := sandbox.PreferredRuntime(); !ok {
				return sandbox.ErrRuntimeUnavailable
			}
			return nil
		})
	}

	// A round trip through a process sandbox proves the init helper still
	// re-executes and the working directory is usable. Concurrent probes
	// share one sandbox.
	var probes singleflight.Group
	health.AddCheck("process_sandbox", func(ctx context.Context) error {
		_, err, _ := probes.Do("process_sandbox", func() (any, error) {
			b, err := sc.newBackend(cfg.Sandbox.Profile, false)
			if err != nil {
				return nil, err
			}
			return nil, sandbox.Use(ctx, b, func(sandbox.Backend) error {
				_, err := b.ExecuteFunction(ctx, sandbox.FunctionCall{Name: "ping"})
				return err
			})
		})
		return err
	})

	if sc.Obs.AnomalyOrNil() != nil {
		health.AddCheck("sandbox_error_rate", sc.Obs.BackendErrorRateCheck("process", "container"))
	}
}
