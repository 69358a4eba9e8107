package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMonitorInterval = time.Second

	// cpuWarnAfter consecutive samples over max_cpu_percent log a warning.
	// CPU is not enforced here: RLIMIT_CPU bounds total CPU time.
	cpuWarnAfter = 3
)

type usage struct {
	CPUSeconds float64
	RSSBytes   uint64
}

type sampler interface {
	Sample(pgid int) (usage, error)
}

// monitor supervises the active child of one sandbox instance. It runs
// from Setup until Cleanup and is idle while no child is tracked.
// Stopping the monitor never stops a child: that belongs to Execute and
// Cleanup.
type monitor struct {
	interval time.Duration
	sampler  sampler
	kill     func(pgid int) error
	logger   *slog.Logger

	maxRSS  uint64
	maxCPU  float64
	timeout time.Duration

	mu      sync.Mutex
	current *watch
	cancel  context.CancelFunc
	done    chan struct{}
}

// watch is one tracked child. reason is written by the monitor and read by
// Execute. The sampling fields belong to the monitor goroutine.
type watch struct {
	pgid    int
	started time.Time
	reason  atomic.Int32

	sampled bool
	lastCPU float64
	lastAt  time.Time
	cpuOver int
}

func (w *watch) Reason() TerminationReason {
	return TerminationReason(w.reason.Load())
}

func (w *watch) flag(r TerminationReason) bool {
	return w.reason.CompareAndSwap(int32(ReasonNone), int32(r))
}

func newMonitor(p ResourceProfile, interval time.Duration, s sampler, kill func(int) error, logger *slog.Logger) *monitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &monitor{
		interval: interval,
		sampler:  s,
		kill:     kill,
		logger:   logger,
		maxRSS:   p.MemoryBytes(),
		maxCPU:   float64(p.MaxCPUPercent),
		timeout:  p.Timeout(),
	}
}

func (m *monitor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.tick(now)
			}
		}
	}()
}

// stop cancels the sampling loop and waits for it to exit.
func (m *monitor) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.current = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *monitor) track(pgid int) *watch {
	w := &watch{pgid: pgid, started: time.Now()}
	m.mu.Lock()
	m.current = w
	m.mu.Unlock()
	return w
}

func (m *monitor) untrack(w *watch) {
	m.mu.Lock()
	if m.current == w {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *monitor) tick(now time.Time) {
	m.mu.Lock()
	w := m.current
	m.mu.Unlock()
	if w == nil {
		return
	}

	u, err := m.sampler.Sample(w.pgid)
	if err != nil {
		// Exited or not visible to us: nothing left to supervise.
		m.logger.Debug("monitor stopped tracking child",
			slog.Int("pid", w.pgid),
			slog.String("error", err.Error()),
		)
		m.untrack(w)
		return
	}

	if m.maxRSS > 0 && u.RSSBytes > m.maxRSS {
		if w.flag(ReasonMemoryLimit) {
			m.logger.Warn("sandbox memory limit exceeded, killing child",
				slog.Int("pid", w.pgid),
				slog.Uint64("rss_bytes", u.RSSBytes),
				slog.Uint64("limit_bytes", m.maxRSS),
			)
			m.terminate(w)
		}
		return
	}

	if m.timeout > 0 && now.Sub(w.started) > m.timeout {
		if w.flag(ReasonTimeout) {
			m.logger.Warn("sandbox child exceeded its timeout, killing child",
				slog.Int("pid", w.pgid),
				slog.Duration("timeout", m.timeout),
			)
			m.terminate(w)
		}
		return
	}

	if w.sampled {
		if dt := now.Sub(w.lastAt).Seconds(); dt > 0 {
			pct := (u.CPUSeconds - w.lastCPU) / dt * 100
			if pct > m.maxCPU {
				w.cpuOver++
				if w.cpuOver == cpuWarnAfter {
					m.logger.Warn("sandbox cpu usage above limit",
						slog.Int("pid", w.pgid),
						slog.Float64("cpu_percent", pct),
						slog.Float64("limit_percent", m.maxCPU),
					)
				}
			} else {
				w.cpuOver = 0
			}
		}
	}
	w.sampled, w.lastCPU, w.lastAt = true, u.CPUSeconds, now
}

func (m *monitor) terminate(w *watch) {
	if err := m.kill(w.pgid); err != nil {
		m.logger.Warn("failed to kill sandbox child",
			slog.Int("pid", w.pgid),
			slog.String("error", err.Error()),
		)
	}
	m.untrack(w)
}
