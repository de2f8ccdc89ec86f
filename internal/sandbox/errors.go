package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrValidationBlocked = errors.New("blocked by security policy")
	ErrRuntimeLoad       = errors.New("runtime failed to load")
	ErrExecution         = errors.New("execution failed")
	ErrTimeout           = errors.New("execution timed out")
	ErrResourceLimit     = errors.New("resource limit exceeded")
	ErrCancelled         = errors.New("execution cancelled")
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrUnsupportedLang   = errors.New("unsupported language")
	ErrEngineUnavailable = errors.New("sandbox engine unavailable")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled returns true if the execution was cancelled by a caller.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsResourceLimit returns true if the process hit a memory or pid ceiling.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrResourceLimit)
}

// IsRuntimeLoad returns true if a runtime could not be initialized.
func IsRuntimeLoad(err error) bool {
	return errors.Is(err, ErrRuntimeLoad)
}
