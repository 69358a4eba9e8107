package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for sandbox execution.
var (
	ErrPermissionDenied   = errors.New("sandbox: permission denied")
	ErrTimeout            = errors.New("sandbox: execution timed out")
	ErrResourceViolation  = errors.New("sandbox: resource limit exceeded")
	ErrRuntimeUnavailable = errors.New("sandbox: no container runtime available")
	ErrUnknownFunction    = errors.New("sandbox: unknown function")
	ErrUnsupported        = errors.New("sandbox: operation not supported by backend")

	ErrNotReady  = errors.New("sandbox: setup has not been called")
	ErrBusy      = errors.New("sandbox: an execution is already running")
	ErrCleanedUp = errors.New("sandbox: instance has been cleaned up")

	errNoResult = errors.New("returned no result")
)

// ValidationError reports why a command was rejected. It matches
// ErrPermissionDenied with errors.Is.
type ValidationError struct {
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sandbox: command %q rejected: %s", e.Command, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrPermissionDenied }

// ResourceViolationError reports which limit a child exceeded. It matches
// ErrResourceViolation with errors.Is.
type ResourceViolationError struct {
	Reason TerminationReason
	Limit  string
}

func (e *ResourceViolationError) Error() string {
	return fmt.Sprintf("sandbox: resource limit exceeded: %s (limit: %s)", e.Reason, e.Limit)
}

func (e *ResourceViolationError) Unwrap() error { return ErrResourceViolation }

// FunctionError is an error returned by a function running in the sandbox.
type FunctionError struct {
	Name    string
	Message string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("sandbox: function %s failed: %s", e.Name, e.Message)
}
