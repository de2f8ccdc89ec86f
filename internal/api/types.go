package api

import (
	"time"

	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/manager"
	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/runtime"
)

// ExecuteRequest is the API-level request to run code.
type ExecuteRequest struct {
	Language  string     `json:"language"`
	Code      string     `json:"code"`
	Policy    string     `json:"policy,omitempty"` // strict, moderate, permissive
	Overrides *Overrides `json:"overrides,omitempty"`
	Env       []string   `json:"env,omitempty"`
}

// Overrides adjust the selected policy for one call.
type Overrides struct {
	Timeout        Duration `json:"timeout,omitempty"` // "5s"
	TimeoutMS      int64    `json:"timeoutMs,omitempty"`
	MemoryLimitMB  int64    `json:"memoryLimitMB,omitempty"`
	AllowedImports []string `json:"allowedImports,omitempty"`
}

func (o *Overrides) policy() policy.Overrides {
	if o == nil {
		return policy.Overrides{}
	}
	timeout := o.Timeout.Duration
	if timeout == 0 && o.TimeoutMS > 0 {
		timeout = time.Duration(o.TimeoutMS) * time.Millisecond
	}
	return policy.Overrides{
		Timeout:        timeout,
		MemoryLimitMB:  o.MemoryLimitMB,
		AllowedImports: o.AllowedImports,
	}
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecuteResponse is the outcome of one execution.
type ExecuteResponse struct {
	ID              string             `json:"id"`
	Language        string             `json:"language"`
	Policy          string             `json:"policy,omitempty"`
	State           string             `json:"state"`
	Success         bool               `json:"success"`
	Stdout          string             `json:"stdout"`
	Stderr          string             `json:"stderr"`
	ExitCode        int                `json:"exitCode"`
	ExecutionTimeMS int64              `json:"executionTimeMs"`
	MemoryUsedMB    float64            `json:"memoryUsedMB"`
	Violations      []policy.Violation `json:"violations"`
	Error           string             `json:"error,omitempty"`
}

func newExecuteResponse(res *executor.Result) ExecuteResponse {
	violations := res.Violations
	if violations == nil {
		violations = []policy.Violation{}
	}
	return ExecuteResponse{
		ID:              res.ID,
		Language:        res.Language,
		Policy:          string(res.Policy),
		State:           string(res.State),
		Success:         res.Success,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
		MemoryUsedMB:    res.MemoryUsedMB,
		Violations:      violations,
		Error:           res.Error,
	}
}

// RuntimeResponse describes one catalog entry and, if loaded, its instance.
type RuntimeResponse struct {
	Language     string     `json:"language"`
	DisplayName  string     `json:"displayName"`
	Version      string     `json:"version"`
	FootprintMB  float64    `json:"footprintMB"`
	Loaded       bool       `json:"loaded"`
	Busy         bool       `json:"busy"`
	CurrentTasks []string   `json:"currentTasks,omitempty"`
	UsageCount   int64      `json:"usageCount"`
	ErrorCount   int64      `json:"errorCount"`
	LoadTimeMS   int64      `json:"loadTimeMs,omitempty"`
	LoadedAt     *time.Time `json:"loadedAt,omitempty"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
}

func newRuntimeResponse(desc runtime.Descriptor, info manager.InstanceInfo, loaded bool) RuntimeResponse {
	resp := RuntimeResponse{
		Language:    string(desc.Language),
		DisplayName: desc.DisplayName,
		Version:     desc.Version,
		FootprintMB: bytesToMB(desc.FootprintBytes),
	}
	if !loaded {
		return resp
	}
	loadedAt, lastUsed := info.LoadedAt, info.LastUsed
	resp.Loaded = true
	resp.Busy = info.Busy()
	resp.CurrentTasks = info.CurrentTasks
	resp.UsageCount = info.UsageCount
	resp.ErrorCount = info.ErrorCount
	resp.LoadTimeMS = info.LoadTime.Milliseconds()
	resp.LoadedAt = &loadedAt
	resp.LastUsed = &lastUsed
	return resp
}

// StatsResponse summarizes loaded runtimes and in-flight work.
type StatsResponse struct {
	TotalMemoryMB     float64               `json:"totalMemoryMB"`
	MemoryBudgetMB    float64               `json:"memoryBudgetMB"`
	LoadedRuntimes    []string              `json:"loadedRuntimes"`
	AverageLoadTimeMS int64                 `json:"averageLoadTimeMs"`
	ActiveExecutions  int                   `json:"activeExecutions"`
	RunningRuntimes   int64                 `json:"runningRuntimeCalls"`
	Usage             map[string]UsageStats `json:"usage"`
}

// UsageStats are the counters of one loaded runtime.
type UsageStats struct {
	UsageCount int64     `json:"usageCount"`
	ErrorCount int64     `json:"errorCount"`
	LastUsed   time.Time `json:"lastUsed"`
	Busy       bool      `json:"busy"`
}

// CancelResponse reports a cancel request.
type CancelResponse struct {
	ID        string `json:"id,omitempty"`
	Cancelled int    `json:"cancelled"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Engine         string `json:"engine"`
	Database       bool   `json:"database"`
	LoadedRuntimes int    `json:"loadedRuntimes"`
	Uptime         string `json:"uptime"`
}

func bytesToMB(b int64) float64 {
	return float64(b) / (1 << 20)
}
