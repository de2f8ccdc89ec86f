// Package runtime describes the supported languages and adapts each one to
// a sandbox engine behind a single capability contract.
package runtime

import (
	"context"
	"fmt"
	"io"
	"slices"

	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/sandbox"
)

// Runtime is the contract every language runtime satisfies. Nothing outside
// this package looks past it.
type Runtime interface {
	Descriptor() Descriptor
	// Initialize makes the runtime ready to execute. Failures surface as load errors.
	Initialize(ctx context.Context) error
	// Execute runs code once. It returns when the program exits or ctx ends.
	Execute(ctx context.Context, code string, opts ExecOptions) (*Output, error)
	// Cleanup releases engine resources. It is safe to call on an
	// uninitialized runtime.
	Cleanup(ctx context.Context) error
}

// ExecOptions carry the per-execution sandbox settings.
type ExecOptions struct {
	ExecID   string
	Limits   sandbox.ResourceLimits
	Scope    policy.Scope
	ProxyURL string
	Env      []string
	Stdout   io.Writer
	Stderr   io.Writer
}

// Output is what a runtime reports back.
type Output struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	MemoryPeakMB int64
	OOMKilled    bool
}

// New constructs the runtime variant for desc on top of engine.
func New(desc Descriptor, engine sandbox.Engine) (Runtime, error) {
	base := engineRuntime{desc: desc, engine: engine}
	switch desc.Language {
	case Python:
		return &PythonRuntime{base}, nil
	case Node:
		return &NodeRuntime{base}, nil
	case Bash:
		return &BashRuntime{base}, nil
	case Go:
		return &GoRuntime{base}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, desc.Language)
	}
}

// engineRuntime is the part every variant shares: delegation to the engine.
type engineRuntime struct {
	desc   Descriptor
	engine sandbox.Engine
}

func (r *engineRuntime) Descriptor() Descriptor { return r.desc }

func (r *engineRuntime) Initialize(ctx context.Context) error {
	return r.engine.Prepare(ctx, r.desc.target())
}

func (r *engineRuntime) Cleanup(ctx context.Context) error {
	return r.engine.Release(ctx, r.desc.target())
}

// run executes code through the engine. scratch forces a writable /tmp for
// toolchains that must write build output regardless of scope.
func (r *engineRuntime) run(ctx context.Context, code string, opts ExecOptions, command func(string) []string, env []string, scratch bool) (*Output, error) {
	limits := opts.Limits
	if limits == (sandbox.ResourceLimits{}) {
		limits = sandbox.DefaultLimits()
	}

	spec := sandbox.RunSpec{
		ExecID:      opts.ExecID,
		Target:      r.desc.target(),
		FileName:    r.desc.FileName(),
		Code:        code,
		Command:     command,
		Limits:      limits,
		Network:     opts.Scope.Allows(policy.CapNetwork),
		WritableTmp: scratch || opts.Scope.Allows(policy.CapFilesystem),
		Env:         slices.Concat(env, opts.Env),
		Stdout:      opts.Stdout,
		Stderr:      opts.Stderr,
	}
	if spec.Network {
		spec.ProxyURL = opts.ProxyURL
	}

	res, err := r.engine.Run(ctx, spec)
	if res == nil {
		return nil, err
	}
	return &Output{
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     res.ExitCode,
		MemoryPeakMB: res.MemoryPeakMB,
		OOMKilled:    res.OOMKilled,
	}, err
}
