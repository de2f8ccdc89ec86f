package executor

import (
	"io"
	"time"

	"polyglot-sandbox/internal/policy"
)

// State is where a request is in its lifecycle.
type State string

const (
	StateValidating State = "validating"
	StateLoading    State = "loading"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Request is one execution attempt.
type Request struct {
	// ID is generated when empty.
	ID        string
	Language  string
	Code      string
	Policy    policy.Level // empty selects the configured default
	Overrides policy.Overrides
	Env       []string

	// Stdout and Stderr, when set, receive output as it is produced.
	Stdout io.Writer
	Stderr io.Writer

	// RequestIP is recorded in the audit log.
	RequestIP string
}

// Result is the outcome of one request. Output, violations and timing are
// filled in as far as the request got.
type Result struct {
	ID            string
	Language      string
	Policy        policy.Level
	State         State
	Success       bool
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime time.Duration
	MemoryUsedMB  float64
	Violations    []policy.Violation
	Error         string

	CodeHash    string
	RequestIP   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// AuditSink receives every finished result.
type AuditSink interface {
	Record(res *Result)
}
