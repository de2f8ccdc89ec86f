// Package sandbox runs a single program under OS-level isolation. An Engine
// knows how to prepare a language toolchain once and then run many short
// programs against it.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Target identifies the toolchain a program runs on.
type Target struct {
	Name   string // language id, also used for container labels
	Image  string // OCI image for container engines
	Binary string // interpreter for the process engine
}

// RunSpec is one program to execute.
type RunSpec struct {
	ExecID string
	Target Target

	// FileName is the base name the code is written under; Command receives
	// the path the engine chose for it.
	FileName string
	Code     string
	Command  func(codePath string) []string

	Limits ResourceLimits

	// Network is false unless the execution scope includes network access.
	// When ProxyURL is set, outbound traffic is pointed at it.
	Network  bool
	ProxyURL string

	// WritableTmp mounts a writable /tmp; otherwise the sandbox is read-only.
	WritableTmp bool

	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// RunResult is what an engine observed about one run.
type RunResult struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	Duration     time.Duration
	MemoryPeakMB int64
	OOMKilled    bool
}

// Engine executes programs in isolation.
type Engine interface {
	Name() string
	// Prepare makes target runnable: binary lookup or image pull.
	Prepare(ctx context.Context, target Target) error
	// Run executes spec and blocks until it exits or ctx ends. A cancelled
	// run returns the partial result together with the context cause.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	// Release drops anything still running for target.
	Release(ctx context.Context, target Target) error
	Close() error
}

const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024
)

// baseEnv is the environment every sandboxed program starts from.
func baseEnv(home string) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + home,
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
}

func proxyEnv(proxyURL string) []string {
	if proxyURL == "" {
		return nil
	}
	return []string{
		"HTTP_PROXY=" + proxyURL,
		"HTTPS_PROXY=" + proxyURL,
		"http_proxy=" + proxyURL,
		"https_proxy=" + proxyURL,
		"NO_PROXY=",
	}
}

// envBlocklist contains env var keys callers may never set.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NO_PROXY":        true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PYTHONSTARTUP":   true,
	"GOFLAGS":         true,
	"BASH_ENV":        true,
	"ENV":             true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
}

// ValidateEnv rejects malformed or security-sensitive KEY=VALUE pairs.
func ValidateEnv(env []string) error {
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: env var must be KEY=VALUE format", ErrInvalidRequest)
		}
		for _, c := range key {
			if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
				return fmt.Errorf("%w: env var key %q contains invalid characters", ErrInvalidRequest, key)
			}
		}
		if envBlocklist[strings.ToUpper(key)] {
			return fmt.Errorf("%w: env var %q is blocked for security reasons", ErrInvalidRequest, key)
		}
	}
	return nil
}

func (s RunSpec) validate() error {
	if s.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if s.FileName == "" || strings.ContainsAny(s.FileName, "/\\") {
		return fmt.Errorf("%w: invalid file name %q", ErrInvalidRequest, s.FileName)
	}
	if s.Command == nil {
		return fmt.Errorf("%w: no command for %s", ErrInvalidRequest, s.Target.Name)
	}
	return ValidateEnv(s.Env)
}

// cappedBuffer keeps the first max bytes written and reports whether more
// arrived.
type cappedBuffer struct {
	buf       strings.Builder
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n... [output truncated]"
	}
	return c.buf.String()
}

// outputs tees program output into capped buffers and the caller's writers.
func outputs(spec RunSpec) (stdout, stderr *cappedBuffer, wOut, wErr io.Writer) {
	stdout = &cappedBuffer{max: maxStdoutBytes}
	stderr = &cappedBuffer{max: maxStderrBytes}
	wOut, wErr = io.Writer(stdout), io.Writer(stderr)
	if spec.Stdout != nil {
		wOut = io.MultiWriter(stdout, spec.Stdout)
	}
	if spec.Stderr != nil {
		wErr = io.MultiWriter(stderr, spec.Stderr)
	}
	return stdout, stderr, wOut, wErr
}

// contextErr maps a finished context to the taxonomy: a recorded cause wins,
// a bare deadline is a timeout.
func contextErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return ErrCancelled
}
