package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/codec"
)

// WorkDirPrefix names every sandbox working directory and container. The
// reaper relies on it to find directories orphaned by a crashed supervisor.
const WorkDirPrefix = "ngome-sbx-"

const defaultGracePeriod = time.Second

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	// BaseDir holds the per-instance working directories. Defaults to
	// the system temp directory.
	BaseDir string

	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	MonitorInterval time.Duration

	// MaxOutputBytes caps each of stdout and stderr.
	MaxOutputBytes int

	// Functions available to ExecuteFunction. Init must be called with
	// the same registry.
	Functions *FuncRegistry

	// NamespaceIsolation runs children in new user and network
	// namespaces (Linux only).
	NamespaceIsolation bool

	// Executable is the init helper binary. Defaults to os.Executable.
	Executable string
}

// ProcessSandbox executes commands and functions as isolated OS processes.
//
// Security guarantees:
//   - Each instance gets its own owner-only working directory (removed by Cleanup)
//   - Children run in their own process group, killed as a whole on timeout
//   - rlimits are applied by the init helper before the target runs
//   - No environment inheritance from the supervisor
//   - stdout/stderr capped to prevent OOM
//   - A monitor kills children exceeding the memory limit
type ProcessSandbox struct {
	id         string
	profile    ResourceProfile
	cfg        ProcessConfig
	executable string
	validator  *CommandValidator
	monitor    *monitor
	logger     *slog.Logger

	lc lifecycle
}

var (
	_ Backend          = (*ProcessSandbox)(nil)
	_ FunctionExecutor = (*ProcessSandbox)(nil)
)

// NewProcessSandbox creates a process-based sandbox for profile. No
// resources are acquired until Setup.
func NewProcessSandbox(profile ResourceProfile, cfg ProcessConfig, logger *slog.Logger) (*ProcessSandbox, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource profile: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = os.TempDir()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	executable := cfg.Executable
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating sandbox init helper: %w", err)
		}
		executable = exe
	}

	profile = profile.Clone()
	id := uuid.NewString()
	logger = logger.With(slog.String("sandbox_id", id), slog.String("backend", "process"))
	return &ProcessSandbox{
		id:         id,
		profile:    profile,
		cfg:        cfg,
		executable: executable,
		validator:  NewCommandValidator(profile),
		monitor:    newMonitor(profile, cfg.MonitorInterval, newProcSampler(), killGroup, logger),
		logger:     logger,
	}, nil
}

func (s *ProcessSandbox) ID() string   { return s.id }
func (s *ProcessSandbox) Kind() string { return "process" }
func (s *ProcessSandbox) State() State { return s.lc.State() }

// Profile returns a copy of the instance's resource profile.
func (s *ProcessSandbox) Profile() ResourceProfile { return s.profile.Clone() }

// Setup creates the working directory and starts the resource monitor.
// Calling it again returns the existing directory.
func (s *ProcessSandbox) Setup(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()
	switch s.lc.state {
	case StateCleanedUp:
		return "", ErrCleanedUp
	case StateUninitialized:
	default:
		return s.lc.workDir, nil
	}

	if err := os.MkdirAll(s.cfg.BaseDir, 0o700); err != nil {
		return "", fmt.Errorf("creating sandbox base dir: %w", err)
	}
	dir := filepath.Join(s.cfg.BaseDir, WorkDirPrefix+s.id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating sandbox working dir: %w", err)
	}

	s.lc.readyLocked(dir)
	s.monitor.start()

	s.logger.Debug("sandbox ready", slog.String("dir", dir))
	return dir, nil
}

// Cleanup stops the monitor, terminates a running child and removes the
// working directory. Removal errors are logged, never returned.
func (s *ProcessSandbox) Cleanup() error {
	dir, stop, done := s.lc.release()
	if done {
		return nil
	}
	s.monitor.stop()
	if stop != nil {
		stop()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove sandbox working dir",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.Debug("sandbox cleaned up")
	return nil
}

// Execute runs a command in the sandbox. A nonzero exit is a result, not an
// error. On timeout or a resource violation both the result (with partial
// output) and an error are returned.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	if err := s.lc.check(); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req.Command, req.Args); err != nil {
		s.logger.Warn("sandbox command rejected", slog.String("error", err.Error()))
		return nil, err
	}
	workDir := s.lc.WorkDir()
	if err := newPathPolicy(s.profile, workDir).check(req.Command, req.Args); err != nil {
		s.logger.Warn("sandbox command rejected", slog.String("error", err.Error()))
		return nil, err
	}
	target, err := resolveCommand(req.Command, workDir)
	if err != nil {
		return nil, err
	}

	if err := s.lc.begin(); err != nil {
		return nil, err
	}

	env := EnvironmentBuilder{WorkDir: workDir}.Environ(req.Env)
	env = append(env, limitsFor(s.profile, false).environ()...)

	cmd := &exec.Cmd{
		Path: s.executable,
		Args: append([]string{initArg0, modeExec, target, req.Command}, req.Args...),
		Env:  env,
		Dir:  workDir,
	}
	if req.Input != nil {
		cmd.Stdin = bytes.NewReader(req.Input)
	}

	s.logger.Info("sandbox executing",
		slog.String("command", req.Command),
		slog.Any("args", req.Args),
		slog.String("dir", workDir),
		slog.Int("memory_limit_mb", int(s.profile.MaxMemoryMB)),
		slog.Duration("timeout", s.profile.Timeout()),
	)
	res, err := s.run(ctx, cmd, nil, nil)
	if err == nil && res.ExitCode != 0 {
		s.logger.Info("sandbox command failed", slog.Int("exit_code", res.ExitCode))
	}
	return res, err
}

// ExecuteFunction runs a registered function in a child process under the
// same limits as commands. The call and its tagged result travel over two
// pipes as CBOR frames.
func (s *ProcessSandbox) ExecuteFunction(ctx context.Context, call FunctionCall) (*ExecutionResult, error) {
	if err := s.lc.check(); err != nil {
		return nil, err
	}
	if _, ok := s.cfg.Functions.Lookup(call.Name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, call.Name)
	}
	payload, err := encodeCall(call)
	if err != nil {
		return nil, err
	}

	callR, callW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating call pipe: %w", err)
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		callR.Close()
		callW.Close()
		return nil, fmt.Errorf("creating result pipe: %w", err)
	}
	defer resR.Close()

	if err := s.lc.begin(); err != nil {
		callR.Close()
		callW.Close()
		resW.Close()
		return nil, err
	}

	workDir := s.lc.WorkDir()
	env := EnvironmentBuilder{WorkDir: workDir}.Environ(nil)
	env = append(env, limitsFor(s.profile, true).environ()...)

	cmd := &exec.Cmd{
		Path:       s.executable,
		Args:       []string{initArg0, modeFunc},
		Env:        env,
		Dir:        workDir,
		ExtraFiles: []*os.File{callR, resW}, // fd 3, fd 4
	}

	// The parent's copies of the child's pipe ends are closed once the
	// child exists, so EOF is observed when it exits.
	received := make(chan []byte, 1)
	onStart := func() {
		callR.Close()
		resW.Close()
		go func() {
			_, _ = callW.Write(payload)
			callW.Close()
		}()
		go func() {
			data, _ := io.ReadAll(io.LimitReader(resR, int64(s.cfg.MaxOutputBytes)+1024))
			received <- data
		}()
	}

	collect := func(res *ExecutionResult) error {
		var data []byte
		select {
		case data = <-received:
		case <-time.After(s.cfg.GracePeriod):
			// A descendant still holds the result pipe.
		}
		var frame resultFrame
		if len(data) == 0 || codec.Unmarshal(data, &frame) != nil {
			return fmt.Errorf("function %s: %w (exit code %d)", call.Name, errNoResult, res.ExitCode)
		}
		if frame.Status != statusSuccess {
			return &FunctionError{Name: call.Name, Message: string(frame.Payload)}
		}
		res.ReturnValue = frame.Payload
		return nil
	}

	s.logger.Info("sandbox executing function",
		slog.String("function", call.Name),
		slog.Int("memory_limit_mb", int(s.profile.MaxMemoryMB)),
		slog.Duration("timeout", s.profile.Timeout()),
	)
	res, err := s.run(ctx, cmd, onStart, collect)
	if res == nil {
		callR.Close()
		callW.Close()
		resW.Close()
	}
	return res, err
}

// run starts cmd, supervises it until exit, deadline or cancellation,
// and classifies the outcome. It leaves Running in every case. The
// function path passes onStart, called right after the child started,
// and collect, which reads the result of a child that ran to completion.
func (s *ProcessSandbox) run(ctx context.Context, cmd *exec.Cmd, onStart func(), collect func(*ExecutionResult) error) (*ExecutionResult, error) {
	function := collect != nil
	timeout := s.profile.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attr, err := sysProcAttr(s.cfg.NamespaceIsolation)
	if err != nil {
		s.lc.finish(StateFailed)
		return nil, err
	}
	cmd.SysProcAttr = attr
	cmd.WaitDelay = s.cfg.GracePeriod
	stdout := newLimitedBuffer(s.cfg.MaxOutputBytes)
	stderr := newLimitedBuffer(s.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.lc.finish(StateFailed)
		return nil, fmt.Errorf("starting sandbox child: %w", err)
	}
	pid := cmd.Process.Pid
	if onStart != nil {
		onStart()
	}

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	stop := func() { s.stopGroup(pid, exited) }
	if !s.lc.attach(stop) {
		// Cleaned up between begin and start.
		stop()
	}
	w := s.monitor.track(pid)
	defer s.monitor.untrack(w)

	select {
	case <-exited:
	case <-ctx.Done():
		s.logger.Warn("sandbox child interrupted, terminating process group",
			slog.Int("pid", pid),
			slog.String("cause", ctx.Err().Error()),
		)
		stop()
	}

	res := &ExecutionResult{PID: pid, Duration: time.Since(start), ExitCode: -1}
	select {
	case <-exited:
		if cmd.ProcessState != nil {
			res.ExitCode, res.TerminatedReason = exitStatus(cmd.ProcessState)
		}
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			s.logger.Warn("waiting for sandbox child", slog.String("error", waitErr.Error()))
		}
	default:
		s.logger.Error("sandbox child did not exit after SIGKILL", slog.Int("pid", pid))
	}
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	// Reasons recorded by the sandbox take precedence over how the child died.
	switch {
	case w.Reason() != ReasonNone:
		res.TerminatedReason = w.Reason()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TerminatedReason = ReasonTimeout
	}

	state := stateFor(res)
	parentCancelled := ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded)
	if parentCancelled && state != StateResourceViolation {
		state = StateFailed
	}
	var collectErr error
	if function && !parentCancelled && (state == StateCompleted || state == StateFailed) {
		collectErr = collect(res)
		// A limit is inferred from the exit only when the child wrote no result.
		if errors.Is(collectErr, errNoResult) {
			if r := functionLimitReason(res); r != ReasonNone {
				res.TerminatedReason = r
				state = StateResourceViolation
				collectErr = nil
			}
		}
		if collectErr != nil {
			state = StateFailed
		}
	}
	s.lc.finish(state)

	logAttrs := []any{
		slog.Int("pid", pid),
		slog.Int("exit_code", res.ExitCode),
		slog.String("reason", res.TerminatedReason.String()),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	}
	switch state {
	case StateTimedOut:
		s.logger.Warn("sandbox execution timed out", logAttrs...)
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case StateResourceViolation:
		s.logger.Warn("sandbox resource limit exceeded", logAttrs...)
		return res, &ResourceViolationError{Reason: res.TerminatedReason, Limit: s.limitFor(res.TerminatedReason)}
	}
	if parentCancelled {
		s.logger.Warn("sandbox execution cancelled", logAttrs...)
		return res, fmt.Errorf("sandbox execution cancelled: %w", context.Cause(ctx))
	}
	s.logger.Info("sandbox execution completed", logAttrs...)
	return res, collectErr
}

// functionLimitReason tells which rlimit ended a function child that died
// without writing a result: the SIGXCPU handler's exit status, or the Go
// runtime's out of memory fatal error.
func functionLimitReason(res *ExecutionResult) TerminationReason {
	switch {
	case res.ExitCode == exitCPULimit:
		return ReasonCPULimit
	case res.ExitCode == exitRuntimeFatal && runtimeOutOfMemory(res.Stderr):
		return ReasonMemoryLimit
	}
	return ReasonNone
}

func runtimeOutOfMemory(stderr []byte) bool {
	for _, line := range bytes.Split(stderr, []byte("\n")) {
		if bytes.Equal(line, []byte("fatal error: out of memory")) ||
			bytes.Equal(line, []byte("fatal error: runtime: out of memory")) {
			return true
		}
	}
	return false
}

// stopGroup performs the two-phase shutdown of the child's process group:
// SIGTERM, a grace period, then SIGKILL.
func (s *ProcessSandbox) stopGroup(pid int, exited <-chan struct{}) {
	if err := terminateGroup(pid); err != nil {
		s.logger.Warn("failed to signal sandbox process group", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
	select {
	case <-exited:
		return
	case <-time.After(s.cfg.GracePeriod):
	}
	if err := killGroup(pid); err != nil {
		s.logger.Warn("failed to kill sandbox process group", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
	select {
	case <-exited:
	case <-time.After(s.cfg.GracePeriod):
	}
}

func (s *ProcessSandbox) limitFor(r TerminationReason) string {
	switch r {
	case ReasonMemoryLimit:
		return fmt.Sprintf("%d MB", s.profile.MaxMemoryMB)
	case ReasonCPULimit:
		return fmt.Sprintf("%d CPU seconds", s.profile.TimeoutSeconds)
	default:
		return r.String()
	}
}

// resolveCommand finds the executable for command on the sandbox PATH. The
// supervisor's own PATH is never consulted. Relative paths resolve against
// the working directory.
func resolveCommand(command, workDir string) (string, error) {
	if strings.ContainsRune(command, filepath.Separator) {
		path := command
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		if err := checkExecutable(path); err != nil {
			return "", fmt.Errorf("resolving %s: %w", command, err)
		}
		return path, nil
	}
	for _, dir := range filepath.SplitList(sandboxPath) {
		path := filepath.Join(dir, command)
		if checkExecutable(path) == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("resolving %s: %w", command, exec.ErrNotFound)
}

func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: %w", path, os.ErrPermission)
	}
	return nil
}
