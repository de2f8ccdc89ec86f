package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ProcessEngine runs programs as plain child processes of the server. It
// isolates the working directory and environment only; use it where no
// container runtime is available.
type ProcessEngine struct {
	workRoot  string
	waitDelay time.Duration
	active    atomic.Int64
	wg        sync.WaitGroup
}

func NewProcessEngine(workRoot string) *ProcessEngine {
	return &ProcessEngine{
		workRoot:  workRoot,
		waitDelay: 500 * time.Millisecond,
	}
}

func (p *ProcessEngine) Name() string { return "process" }

func (p *ProcessEngine) Prepare(_ context.Context, target Target) error {
	if target.Binary == "" {
		return fmt.Errorf("%s: no interpreter configured", target.Name)
	}
	path, err := exec.LookPath(target.Binary)
	if err != nil {
		return fmt.Errorf("%s: %w", target.Name, err)
	}
	log.Debug().Str("language", target.Name).Str("binary", path).Msg("interpreter found")
	return nil
}

func (p *ProcessEngine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if err := spec.validate(); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "validate", Err: err}
	}

	p.wg.Add(1)
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	dir, err := os.MkdirTemp(p.workRoot, "sandbox-"+spec.ExecID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, spec.FileName)
	if err := os.WriteFile(codePath, []byte(spec.Code), 0o600); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "write_code", Err: err}
	}

	argv := spec.Command(codePath)
	if len(argv) == 0 {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "command", Err: ErrInvalidRequest}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 -- argv built by the runtime variant, code is passed as a file
	cmd.Dir = dir
	cmd.Env = append(append(baseEnv(dir), proxyEnv(spec.ProxyURL)...), spec.Env...)
	cmd.WaitDelay = p.waitDelay
	configureProcess(cmd)

	stdout, stderr, wOut, wErr := outputs(spec)
	cmd.Stdout = wOut
	cmd.Stderr = wErr

	start := time.Now()
	err = cmd.Run()

	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.MemoryPeakMB = peakMemoryMB(cmd.ProcessState)
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, contextErr(ctx)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, nil
		}
		return res, &ExecutionError{ExecID: spec.ExecID, Op: "start", Err: fmt.Errorf("%w: %v", ErrExecution, err)}
	}
	return res, nil
}

// Release is a no-op: processes never outlive their Run call.
func (p *ProcessEngine) Release(context.Context, Target) error { return nil }

// ActiveCount returns the number of currently running programs.
func (p *ProcessEngine) ActiveCount() int64 {
	return p.active.Load()
}

func (p *ProcessEngine) Close() error {
	return drain(&p.wg, &p.active, "process")
}

// drain waits up to 30s for in-flight runs to finish.
func drain(wg *sync.WaitGroup, active *atomic.Int64, engine string) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("engine", engine).Msg("all executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Str("engine", engine).Int64("active", active.Load()).Msg("timed out waiting for executions to drain")
	}
	return nil
}
