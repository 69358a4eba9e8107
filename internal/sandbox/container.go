package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	defaultContainerImage = "alpine:3.20"

	// containerWorkDir is the tmpfs mount every command runs in.
	containerWorkDir = "/tmp"

	// containerLabel marks containers created by ngome.
	containerLabel = "ngome.sandbox"

	// exitOOMKilled is the exit status of a process SIGKILLed inside the
	// container, which the cgroup OOM killer does.
	exitOOMKilled = 137

	runtimeCallTimeout = 30 * time.Second
)

// ContainerConfig configures the container-based sandbox.
type ContainerConfig struct {
	Image string

	// Runtime forces a runtime. Empty means the preferred detected one.
	Runtime Runtime

	// GracePeriod is the wait between SIGTERM and SIGKILL, and the stop
	// timeout passed to the runtime.
	GracePeriod time.Duration

	// MaxOutputBytes caps each of stdout and stderr.
	MaxOutputBytes int
}

// commandRunner runs the runtime CLI. Errors from a process that ran and
// failed implement ExitCode() int.
type commandRunner func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error

// ContainerSandbox executes commands inside one long-lived container per
// instance: created and started by Setup, used by every Execute through
// the runtime's exec, stopped and removed by Cleanup.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled when network_isolation is set (--network=none)
//   - Read-only root filesystem when readonly_filesystem is set
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - Size-bounded, noexec tmpfs for /tmp
//   - Container always removed, even on timeout/crash
type ContainerSandbox struct {
	id        string
	name      string
	profile   ResourceProfile
	cfg       ContainerConfig
	runtime   Runtime
	validator *CommandValidator
	logger    *slog.Logger
	run       commandRunner

	lc lifecycle
}

var _ Backend = (*ContainerSandbox)(nil)

// NewContainerSandbox creates a container sandbox for profile. It returns
// ErrRuntimeUnavailable when no usable container runtime exists.
func NewContainerSandbox(profile ResourceProfile, cfg ContainerConfig, logger *slog.Logger) (*ContainerSandbox, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource profile: %w", err)
	}
	rt, err := selectRuntime(cfg.Runtime, DetectRuntimes())
	if err != nil {
		return nil, err
	}
	return newContainerSandbox(profile, cfg, rt, nil, logger), nil
}

func selectRuntime(want Runtime, available []Runtime) (Runtime, error) {
	if len(available) == 0 {
		return "", ErrRuntimeUnavailable
	}
	if want == "" {
		return available[0], nil
	}
	if !slices.Contains(available, want) {
		return "", fmt.Errorf("%w: %s", ErrRuntimeUnavailable, want)
	}
	return want, nil
}

func newContainerSandbox(profile ResourceProfile, cfg ContainerConfig, rt Runtime, run commandRunner, logger *slog.Logger) *ContainerSandbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Image == "" {
		cfg.Image = defaultContainerImage
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	profile = profile.Clone()
	id := uuid.NewString()
	s := &ContainerSandbox{
		id:        id,
		name:      WorkDirPrefix + id,
		profile:   profile,
		cfg:       cfg,
		runtime:   rt,
		validator: NewCommandValidator(profile),
		logger: logger.With(
			slog.String("sandbox_id", id),
			slog.String("backend", "container"),
			slog.String("runtime", string(rt)),
		),
	}
	s.run = run
	if s.run == nil {
		s.run = s.execRuntime
	}
	return s
}

func (s *ContainerSandbox) ID() string   { return s.id }
func (s *ContainerSandbox) Kind() string { return "container" }
func (s *ContainerSandbox) State() State { return s.lc.State() }

// Name returns the container name.
func (s *ContainerSandbox) Name() string { return s.name }

// Runtime returns the runtime driving the container.
func (s *ContainerSandbox) Runtime() Runtime { return s.runtime }

// Setup creates and starts the container. It returns the working
// directory inside the container. Calling it again is a no-op.
func (s *ContainerSandbox) Setup(ctx context.Context) (string, error) {
	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()
	switch s.lc.state {
	case StateCleanedUp:
		return "", ErrCleanedUp
	case StateUninitialized:
	default:
		return s.lc.workDir, nil
	}

	s.logger.Info("creating sandbox container",
		slog.String("container", s.name),
		slog.String("image", s.cfg.Image),
		slog.Int("memory_mb", int(s.profile.MaxMemoryMB)),
		slog.Int("cpu_percent", int(s.profile.MaxCPUPercent)),
	)
	if out, err := s.output(ctx, s.createArgs()...); err != nil {
		return "", fmt.Errorf("creating container: %w: %s", err, bytes.TrimSpace(out))
	}
	if out, err := s.output(ctx, "start", s.name); err != nil {
		s.forceRemoveContainer()
		return "", fmt.Errorf("starting container: %w: %s", err, bytes.TrimSpace(out))
	}

	s.lc.readyLocked(containerWorkDir)
	return containerWorkDir, nil
}

// createArgs builds the create command with all security hardening flags.
// The container idles until commands are exec'd into it.
func (s *ContainerSandbox) createArgs() []string {
	p := s.profile
	memory := strconv.FormatUint(uint64(p.MaxMemoryMB), 10) + "m"
	cpus := strconv.FormatFloat(float64(p.MaxCPUPercent)/100, 'f', 2, 64)
	pids := strconv.FormatUint(uint64(max(p.MaxProcesses, p.MaxThreads)), 10)
	nofile := strconv.FormatUint(uint64(p.MaxOpenFiles), 10)
	tmpfs := containerWorkDir + ":rw,noexec,nosuid,size=" + strconv.FormatUint(uint64(p.MaxDiskMB), 10) + "m"

	args := []string{
		"create", "--rm",
		"--name", s.name,
		"--label", containerLabel + "=" + s.id,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memory,
		"--memory-swap=" + memory, // Same as memory = no swap.
		"--cpus=" + cpus,
		"--pids-limit=" + pids,
		"--ulimit", "nofile=" + nofile + ":" + nofile,

		"--tmpfs", tmpfs,
		"--workdir", containerWorkDir,
	}
	if p.NetworkIsolation {
		args = append(args, "--network=none")
	}
	if p.ReadonlyFilesystem {
		args = append(args, "--read-only")
	}
	return append(args, s.cfg.Image, "sleep", "infinity")
}

// Execute runs a command inside the container with the same contract as
// ProcessSandbox.Execute.
func (s *ContainerSandbox) Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	if err := s.lc.check(); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req.Command, req.Args); err != nil {
		s.logger.Warn("sandbox command rejected", slog.String("error", err.Error()))
		return nil, err
	}
	if err := newPathPolicy(s.profile, containerWorkDir).check(req.Command, req.Args); err != nil {
		s.logger.Warn("sandbox command rejected", slog.String("error", err.Error()))
		return nil, err
	}
	if err := s.lc.begin(); err != nil {
		return nil, err
	}

	timeout := s.profile.Timeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdin io.Reader
	if req.Input != nil {
		stdin = bytes.NewReader(req.Input)
	}
	stdout := newLimitedBuffer(s.cfg.MaxOutputBytes)
	stderr := newLimitedBuffer(s.cfg.MaxOutputBytes)
	args := s.execArgs(req)

	s.logger.Info("container sandbox executing",
		slog.String("container", s.name),
		slog.String("command", req.Command),
		slog.Any("args", req.Args),
		slog.Duration("timeout", timeout),
	)

	finished := make(chan error, 1)
	if !s.lc.attach(func() { cancel(); s.killAll() }) {
		s.lc.finish(StateFailed)
		return nil, ErrCleanedUp
	}
	start := time.Now()
	go func() { finished <- s.run(execCtx, stdin, stdout, stderr, args...) }()

	var runErr error
	interrupted := false
	select {
	case runErr = <-finished:
	case <-execCtx.Done():
		interrupted = true
	}
	if interrupted || execCtx.Err() != nil {
		// The exec'd process may have spawned descendants the runtime
		// client cannot see: signal everything in the container.
		s.killAll()
	}
	if interrupted {
		runErr = <-finished
	}

	res := &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	var exitErr interface{ ExitCode() int }
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.ExitCode, res.TerminatedReason = -1, ReasonTimeout
	case execCtx.Err() != nil:
		res.ExitCode = -1
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == exitOOMKilled {
			res.TerminatedReason = ReasonMemoryLimit
		}
	default:
		s.lc.finish(StateFailed)
		return nil, fmt.Errorf("container exec failed: %w", runErr)
	}

	state := stateFor(res)
	if execCtx.Err() != nil && res.TerminatedReason != ReasonTimeout {
		state = StateFailed
	}
	s.lc.finish(state)

	logAttrs := []any{
		slog.String("container", s.name),
		slog.Int("exit_code", res.ExitCode),
		slog.String("reason", res.TerminatedReason.String()),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	}
	switch state {
	case StateTimedOut:
		s.logger.Warn("container sandbox timed out", logAttrs...)
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case StateResourceViolation:
		s.logger.Warn("container sandbox resource limit exceeded", logAttrs...)
		return res, &ResourceViolationError{Reason: res.TerminatedReason, Limit: fmt.Sprintf("%d MB", s.profile.MaxMemoryMB)}
	}
	if execCtx.Err() != nil {
		s.logger.Warn("container sandbox execution cancelled", logAttrs...)
		return res, fmt.Errorf("sandbox execution cancelled: %w", context.Cause(execCtx))
	}
	s.logger.Info("container sandbox completed", logAttrs...)
	return res, nil
}

func (s *ContainerSandbox) execArgs(req ExecRequest) []string {
	args := []string{"exec"}
	if req.Input != nil {
		args = append(args, "-i")
	}
	args = append(args, "-w", containerWorkDir)
	for _, kv := range (EnvironmentBuilder{WorkDir: containerWorkDir}).Environ(req.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, s.name, req.Command)
	return append(args, req.Args...)
}

// killAll signals every process in the container except its idle init:
// SIGTERM, a grace period, then SIGKILL. If exec itself fails the
// container is killed.
func (s *ContainerSandbox) killAll() {
	if _, err := s.output(context.Background(), "exec", s.name, "kill", "-TERM", "-1"); err != nil {
		s.logger.Warn("failed to signal container processes, killing container",
			slog.String("container", s.name),
			slog.String("error", err.Error()),
		)
		if out, err := s.output(context.Background(), "kill", s.name); err != nil {
			s.logger.Warn("container kill failed",
				slog.String("container", s.name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
		return
	}
	time.Sleep(s.cfg.GracePeriod)
	_, _ = s.output(context.Background(), "exec", s.name, "kill", "-KILL", "-1")
}

// Cleanup stops the container (which removes it) and force-removes it
// as a safety net. Errors are logged, never returned.
func (s *ContainerSandbox) Cleanup() error {
	dir, stop, done := s.lc.release()
	if done {
		return nil
	}
	if stop != nil {
		stop()
	}
	if dir == "" {
		// Never created.
		return nil
	}
	grace := strconv.Itoa(max(1, int(s.cfg.GracePeriod/time.Second)))
	if out, err := s.output(context.Background(), "stop", "-t", grace, s.name); err != nil {
		s.logger.Debug("container stop failed",
			slog.String("container", s.name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
	s.forceRemoveContainer()
	s.logger.Debug("container sandbox cleaned up", slog.String("container", s.name))
	return nil
}

// forceRemoveContainer removes the container by name. This is a safety
// net: if --rm didn't fire due to OOM kill, daemon restart or a stop
// failure, no container is leaked. Errors are logged, not returned.
func (s *ContainerSandbox) forceRemoveContainer() {
	out, err := s.output(context.Background(), "rm", "-f", s.name)
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(bytes.ToLower(out), []byte("no such container")) {
			s.logger.Warn("container rm -f failed",
				slog.String("container", s.name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// output runs a short runtime command and returns its combined output.
func (s *ContainerSandbox) output(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
	defer cancel()
	var buf bytes.Buffer
	err := s.run(ctx, nil, &buf, &buf, args...)
	return buf.Bytes(), err
}

func (s *ContainerSandbox) execRuntime(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, string(s.runtime), args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = s.cfg.GracePeriod
	return cmd.Run()
}
