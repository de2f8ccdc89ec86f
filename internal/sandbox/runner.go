package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdEngine runs each program as a task in a fresh containerd container.
type ContainerdEngine struct {
	client   *Client
	workRoot string

	mu     sync.Mutex
	images map[string]containerd.Image

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewContainerdEngine connects to containerd and removes containers left by
// a previous process.
func NewContainerdEngine(ctx context.Context, socket, namespace, workRoot string) (*ContainerdEngine, error) {
	client, err := NewClient(ctx, socket, namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	e := &ContainerdEngine{
		client:   client,
		workRoot: workRoot,
		images:   make(map[string]containerd.Image),
	}

	cleaned, err := e.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return e, nil
}

func (e *ContainerdEngine) Name() string { return "containerd" }

// Prepare pulls and unpacks the runtime image.
func (e *ContainerdEngine) Prepare(ctx context.Context, target Target) error {
	_, err := e.image(ctx, target)
	return err
}

func (e *ContainerdEngine) image(ctx context.Context, target Target) (containerd.Image, error) {
	if target.Image == "" {
		return nil, fmt.Errorf("%s: no image configured", target.Name)
	}

	e.mu.Lock()
	img, ok := e.images[target.Image]
	e.mu.Unlock()
	if ok {
		return img, nil
	}

	img, err := e.client.PullImage(ctx, target.Image)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.images[target.Image] = img
	e.mu.Unlock()
	return img, nil
}

// Release removes containers still labelled with target and forgets its image handle.
func (e *ContainerdEngine) Release(ctx context.Context, target Target) error {
	e.mu.Lock()
	delete(e.images, target.Image)
	e.mu.Unlock()

	_, err := e.cleanupMatching(ctx, fmt.Sprintf(`labels."%s"==%s`, labelRuntime, target.Name))
	return err
}

func (e *ContainerdEngine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if err := spec.validate(); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "validate", Err: err}
	}
	if spec.Limits == (ResourceLimits{}) {
		spec.Limits = DefaultLimits()
	}
	if err := spec.Limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "validate", Err: err}
	}

	e.wg.Add(1)
	defer e.wg.Done()
	e.active.Add(1)
	defer e.active.Add(-1)

	logger := log.With().
		Str("exec_id", spec.ExecID).
		Str("language", spec.Target.Name).
		Logger()

	image, err := e.image(ctx, spec.Target)
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "pull_image", Err: err}
	}

	hostCodeDir, err := os.MkdirTemp(e.workRoot, "sandbox-"+spec.ExecID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostCodeDir)

	hostCodePath := filepath.Join(hostCodeDir, spec.FileName)
	if err := os.WriteFile(hostCodePath, []byte(spec.Code), 0o600); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(hostCodePath, 0o444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "chmod_code", Err: err}
	}
	if err := os.Chmod(hostCodeDir, 0o755); err != nil { // #nosec G302 -- bind-mounted read-only
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "chmod_dir", Err: err}
	}

	containerID := "sandbox-" + spec.ExecID
	container, err := e.createContainer(ctx, containerID, image, spec, hostCodeDir)
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "create_container", Err: err}
	}
	defer func() {
		if cleanErr := e.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout, stderr, wOut, wErr := outputs(spec)

	nsCtx := e.client.WithNamespace(ctx)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, wOut, wErr)))
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(e.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Debug().Err(err).Msg("task delete failed")
		}
	}()

	// Wait must not be bound to ctx: after a kill the exit status still has to arrive.
	exitCh, err := task.Wait(e.client.WithNamespace(context.Background()))
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "task_wait", Err: err}
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "task_start", Err: err}
	}
	logger.Info().Msg("task started")

	res := &RunResult{}
	select {
	case status := <-exitCh:
		res.ExitCode = int(status.ExitCode())
		res.OOMKilled = res.ExitCode == 137
		if res.OOMKilled {
			res.MemoryPeakMB = spec.Limits.MemoryMB
		}

	case <-ctx.Done():
		logger.Warn().Msg("execution stopped, killing task")
		if err := task.Kill(e.client.WithNamespace(context.Background()), syscall.SIGKILL); err != nil {
			logger.Error().Err(err).Msg("failed to kill task")
		}
		<-exitCh

		res.ExitCode = -1
		res.Duration = time.Since(start)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		return res, contextErr(ctx)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	logger.Info().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("execution completed")

	return res, nil
}

func (e *ContainerdEngine) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	spec RunSpec,
	hostCodeDir string,
) (containerd.Container, error) {
	nsCtx := e.client.WithNamespace(ctx)
	secProfile := SecurityProfileFor(spec.Network, spec.WritableTmp)

	env := baseEnv("/tmp")
	env = append(env, proxyEnv(spec.ProxyURL)...)
	env = append(env, spec.Env...)

	container, err := e.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{
			labelManaged: "true",
			labelRuntime: spec.Target.Name,
		}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command("/workspace/"+spec.FileName)...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, spec.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostCodeDir,
					Options:     []string{"rbind", "ro"},
				})
				s.Process.Env = env
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

// ActiveCount returns the number of currently running tasks.
func (e *ContainerdEngine) ActiveCount() int64 {
	return e.active.Load()
}

// Healthy reports whether containerd still answers.
func (e *ContainerdEngine) Healthy(ctx context.Context) bool {
	return e.client.Healthy(ctx)
}

// Close waits for active tasks and disconnects.
func (e *ContainerdEngine) Close() error {
	_ = drain(&e.wg, &e.active, "containerd")
	return e.client.Close()
}
