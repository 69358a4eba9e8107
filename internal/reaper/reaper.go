// Package reaper removes sandbox working directories left behind by a
// supervisor that died before it could clean up.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// KindWorkDir labels removed sandbox working directories.
const KindWorkDir = "workdir"

// Config configures the reaper.
type Config struct {
	// Dir is the sandbox base directory to sweep.
	Dir string

	// Schedule is a cron spec; descriptors such as "@every 10m" are accepted.
	Schedule string

	// MaxAge is the age after which a sandbox directory is considered orphaned.
	MaxAge time.Duration
}

// Reaper periodically sweeps Config.Dir.
type Reaper struct {
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger
	onRemove func(kind string, n int)
	now      func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Reaper. onRemove, when non-nil, is called after every sweep
// that removed something.
func New(cfg Config, onRemove func(kind string, n int), logger *slog.Logger) (*Reaper, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("reaper: directory is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("reaper: max age must be positive")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reaper{
		cfg:      cfg,
		schedule: sched,
		logger:   logger.With(slog.String("component", "reaper")),
		onRemove: onRemove,
		now:      time.Now,
	}, nil
}

// Start runs Sweep on the configured schedule until ctx is done or the
// returned stop function is called. stop waits for a running sweep.
func (r *Reaper) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("sandbox sweep failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()

	r.logger.Info("reaper started",
		slog.String("dir", r.cfg.Dir),
		slog.String("schedule", r.cfg.Schedule),
		slog.Duration("max_age", r.cfg.MaxAge),
	)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return func() {
		cancel()
		<-c.Stop().Done()
	}
}

// Sweep removes every sandbox directory under Config.Dir last modified more
// than MaxAge ago, and returns how many it removed. Entries that do not
// carry the sandbox prefix are never touched.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sandbox dir: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.MaxAge)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sandbox.WorkDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed concurrently
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.cfg.Dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("removing orphaned sandbox dir failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		r.logger.Info("removed orphaned sandbox dir",
			slog.String("path", path),
			slog.Duration("age", r.now().Sub(info.ModTime())),
		)
	}

	if removed > 0 && r.onRemove != nil {
		r.onRemove(KindWorkDir, removed)
	}
	return removed, ctx.Err()
}

// Next returns the next scheduled sweep after t.
func (r *Reaper) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}
