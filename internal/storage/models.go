package storage

import (
	"errors"
	"time"

	"polyglot-sandbox/internal/executor"
)

var ErrNotFound = errors.New("execution not found")

// maxStoredOutput caps stdout and stderr per record.
const maxStoredOutput = 65535

// Execution represents a stored execution record.
type Execution struct {
	ID             string      `json:"id"`
	Language       string      `json:"language"`
	Policy         string      `json:"policy"`
	CodeHash       string      `json:"codeHash"`
	State          string      `json:"state"` // completed, failed, timed_out, cancelled
	Success        bool        `json:"success"`
	ExitCode       int         `json:"exitCode"`
	Stdout         string      `json:"stdout,omitempty"`
	Stderr         string      `json:"stderr,omitempty"`
	DurationMS     int64       `json:"durationMs"`
	MemoryUsedMB   float64     `json:"memoryUsedMB"`
	ViolationCount int         `json:"violationCount"`
	Error          string      `json:"error,omitempty"`
	RequestIP      string      `json:"requestIp,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	Violations     []Violation `json:"violations,omitempty"`
}

// Violation is one stored security violation.
type Violation struct {
	ExecutionID string `json:"-"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Line        int    `json:"line,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Language string
	State    string
	Limit    int
	Offset   int
}

func (f ExecutionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// FromResult converts a finished execution into a record.
func FromResult(res *executor.Result) *Execution {
	exec := &Execution{
		ID:             res.ID,
		Language:       res.Language,
		Policy:         string(res.Policy),
		CodeHash:       res.CodeHash,
		State:          string(res.State),
		Success:        res.Success,
		ExitCode:       res.ExitCode,
		Stdout:         truncateForDB(res.Stdout, maxStoredOutput),
		Stderr:         truncateForDB(res.Stderr, maxStoredOutput),
		DurationMS:     res.ExecutionTime.Milliseconds(),
		MemoryUsedMB:   res.MemoryUsedMB,
		ViolationCount: len(res.Violations),
		Error:          res.Error,
		RequestIP:      res.RequestIP,
		CreatedAt:      res.StartedAt,
	}
	if !res.CompletedAt.IsZero() {
		completed := res.CompletedAt
		exec.CompletedAt = &completed
	}
	for _, v := range res.Violations {
		exec.Violations = append(exec.Violations, Violation{
			ExecutionID: res.ID,
			Type:        string(v.Type),
			Severity:    v.Severity.String(),
			Message:     v.Message,
			Line:        v.Line,
			Pattern:     v.Pattern,
		})
	}
	return exec
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
