// Package sandbox provides isolated execution environments for commands and
// functions requested by tool-calling workflows.
// Nothing requested by a caller runs directly in the supervising process:
// commands and functions run in a child process (ProcessSandbox) or inside
// a container (ContainerSandbox), under the limits of a ResourceProfile.
//
// Programs that use ProcessSandbox must call Init as the first statement
// of main (and of TestMain in tests). The sandbox re-executes the current
// binary as its init helper, which applies resource limits to itself
// before any caller-supplied code runs.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/ngome/internal/codec"
)

// Backend is one sandbox instance. It is exclusively owned by the caller
// holding it and must not be reused after Cleanup.
type Backend interface {
	// Setup acquires the isolated resources (working directory, container)
	// and returns the working directory. It is idempotent.
	Setup(ctx context.Context) (string, error)

	// Execute runs a command under the instance's resource profile.
	Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error)

	// Cleanup releases everything acquired by Setup and terminates any
	// child still running. It is idempotent and never fails on removal errors.
	Cleanup() error

	State() State
	ID() string

	// Kind is "process" or "container".
	Kind() string
}

// FunctionExecutor is implemented by backends able to run a registered
// function out of process.
type FunctionExecutor interface {
	ExecuteFunction(ctx context.Context, call FunctionCall) (*ExecutionResult, error)
}

// ExecRequest defines what to run.
type ExecRequest struct {
	// Command is the program name or path. Its basename must be allow-listed.
	Command string
	Args    []string

	// Input is written to the child's stdin. Nil = no stdin.
	Input []byte

	// Env adds variables on top of the sanitized baseline.
	Env map[string]string
}

// FunctionCall names a registered function and its arguments. Arguments
// must be CBOR-serializable.
type FunctionCall struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

// ExecutionResult captures the outcome of a sandboxed execution.
type ExecutionResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte

	// ReturnValue is the CBOR-encoded return value of a function call.
	ReturnValue []byte

	// TerminatedReason is set when the sandbox (or the OS on its behalf)
	// ended the child.
	TerminatedReason TerminationReason

	PID      int
	Duration time.Duration
}

// Decode unmarshals ReturnValue into v.
func (r *ExecutionResult) Decode(v any) error {
	if r == nil || len(r.ReturnValue) == 0 {
		return fmt.Errorf("no return value")
	}
	return codec.Unmarshal(r.ReturnValue, v)
}

// TerminationReason explains why a child was terminated.
type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonTimeout
	ReasonMemoryLimit
	ReasonCPULimit
	ReasonSignal
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonMemoryLimit:
		return "memory_limit"
	case ReasonCPULimit:
		return "cpu_limit"
	case ReasonSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a sandbox instance.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StateCompleted
	StateTimedOut
	StateResourceViolation
	StateFailed
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateResourceViolation:
		return "resource_violation"
	case StateFailed:
		return "failed"
	case StateCleanedUp:
		return "cleaned_up"
	default:
		return "unknown"
	}
}

// Use sets up b, runs fn, and cleans b up on every exit path, including
// panics and context cancellation.
func Use(ctx context.Context, b Backend, fn func(Backend) error) (err error) {
	defer func() {
		if cerr := b.Cleanup(); cerr != nil && err == nil {
			err = fmt.Errorf("cleaning up sandbox %s: %w", b.ID(), cerr)
		}
	}()
	if _, err := b.Setup(ctx); err != nil {
		return err
	}
	return fn(b)
}
