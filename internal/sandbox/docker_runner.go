package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/pkg/seccomp"
)

const (
	labelManaged = "polyglot-sandbox.managed"
	labelRuntime = "polyglot-sandbox.runtime"
)

// DockerEngine runs each program in a throwaway container through the docker
// CLI (macOS, or Linux without containerd).
type DockerEngine struct {
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	workRoot      string
	waitDelay     time.Duration
	active        atomic.Int64
	wg            sync.WaitGroup
	cancelCleanup context.CancelFunc
}

// NewDockerEngine verifies the daemon is reachable and starts the orphan
// reaper.
func NewDockerEngine(workRoot string) (*DockerEngine, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrEngineUnavailable, err)
	}

	d := &DockerEngine{
		dockerHost: resolveDockerHost(),
		workRoot:   workRoot,
		waitDelay:  2 * time.Second,
	}
	if err := d.docker(context.Background(), "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrEngineUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d, nil
}

func (d *DockerEngine) Name() string { return "docker" }

// docker builds a docker CLI invocation bound to the resolved host.
func (d *DockerEngine) docker(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// Prepare pulls the runtime image unless it is already present.
func (d *DockerEngine) Prepare(ctx context.Context, target Target) error {
	if target.Image == "" {
		return fmt.Errorf("%s: no image configured", target.Name)
	}
	if err := d.docker(ctx, "image", "inspect", target.Image).Run(); err == nil {
		return nil
	}

	log.Info().Str("ref", target.Image).Msg("pulling image")
	out, err := d.docker(ctx, "pull", "--quiet", target.Image).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pulling image %s: %w: %s", target.Image, err, strings.TrimSpace(string(out)))
	}
	log.Info().Str("ref", target.Image).Msg("image pulled successfully")
	return nil
}

// Release force-removes any container still labelled with target.
func (d *DockerEngine) Release(ctx context.Context, target Target) error {
	_, err := d.removeContainers(ctx, labelRuntime+"="+target.Name)
	return err
}

// orphanCleanupLoop periodically kills sandbox containers that survived a server crash.
func (d *DockerEngine) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerEngine) cleanupOrphans(ctx context.Context) {
	// Containers of in-flight runs carry the same label; only reap when idle.
	if d.active.Load() > 0 {
		return
	}
	n, err := d.removeContainers(ctx, labelManaged+"=true")
	if err != nil {
		log.Debug().Err(err).Msg("orphan sweep failed")
		return
	}
	if n > 0 {
		log.Warn().Int("count", n).Msg("killed orphaned sandbox containers")
	}
}

func (d *DockerEngine) removeContainers(ctx context.Context, label string) (int, error) {
	out, err := d.docker(ctx, "ps", "-aq", "--filter", "label="+label).Output()
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	ids := strings.Fields(string(out))
	for _, id := range ids {
		log.Debug().Str("container_id", id).Msg("removing sandbox container")
		_ = d.docker(ctx, "rm", "-f", id).Run()
	}
	return len(ids), nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerEngine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if err := spec.validate(); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "validate", Err: err}
	}
	if spec.Limits == (ResourceLimits{}) {
		spec.Limits = DefaultLimits()
	}
	if err := spec.Limits.Validate(); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "validate", Err: err}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	logger := log.With().
		Str("exec_id", spec.ExecID).
		Str("language", spec.Target.Name).
		Logger()

	hostDir, err := os.MkdirTemp(d.workRoot, "sandbox-"+spec.ExecID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, spec.FileName)
	if err := os.WriteFile(codeFile, []byte(spec.Code), 0o600); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(codeFile, 0o444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "chmod_code", Err: err}
	}

	profileJSON, err := seccomp.DockerJSON(seccomp.Options{Network: spec.Network, Filesystem: spec.WritableTmp})
	if err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "seccomp_profile", Err: err}
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0o600); err != nil {
		return nil, &ExecutionError{ExecID: spec.ExecID, Op: "write_seccomp", Err: err}
	}

	name := "sandbox-" + spec.ExecID
	args := d.buildDockerArgs(name, spec, codeFile, "/workspace/"+spec.FileName, seccompPath)

	cmd := d.docker(ctx, args...)
	// Killing the CLI leaves the container running; remove it explicitly.
	cmd.Cancel = func() error {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.docker(rmCtx, "rm", "-f", name).Run()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = d.waitDelay

	stdout, stderr, wOut, wErr := outputs(spec)
	cmd.Stdout = wOut
	cmd.Stderr = wErr

	logger.Info().Str("image", spec.Target.Image).Str("network", networkMode(spec)).Msg("starting docker container")

	start := time.Now()
	err = cmd.Run()
	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, contextErr(ctx)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, &ExecutionError{ExecID: spec.ExecID, Op: "docker_run", Err: fmt.Errorf("%w: %v", ErrExecution, err)}
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 137 {
			res.OOMKilled = true
			res.MemoryPeakMB = spec.Limits.MemoryMB
		}
	}

	logger.Info().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("docker execution completed")

	return res, nil
}

func networkMode(spec RunSpec) string {
	if spec.Network {
		return "bridge"
	}
	return "none"
}

func (d *DockerEngine) buildDockerArgs(name string, spec RunSpec, hostCodeFile, containerCodePath, seccompPath string) []string {
	limits := spec.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", labelManaged + "=true",
		"--label", labelRuntime + "=" + spec.Target.Name,
		"--network", networkMode(spec),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"--read-only",
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"--user", "65534:65534",
	}

	env := baseEnv("/tmp")[1:] // image PATH wins inside the container
	if spec.Network && spec.ProxyURL != "" {
		if proxyURL, ok := containerProxyURL(spec.ProxyURL); ok {
			args = append(args, "--add-host", "host.docker.internal:host-gateway")
			env = append(env, proxyEnv(proxyURL)...)
		}
	}
	env = append(env, spec.Env...)
	for _, kv := range env {
		args = append(args, "-e", kv)
	}

	args = append(args, spec.Target.Image)
	args = append(args, spec.Command(containerCodePath)...)

	return args
}

// containerProxyURL rewrites a loopback proxy address to the name a container
// uses to reach its host.
func containerProxyURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if ip := net.ParseIP(u.Hostname()); u.Hostname() == "localhost" || (ip != nil && ip.IsLoopback()) {
		u.Host = net.JoinHostPort("host.docker.internal", u.Port())
	}
	return u.String(), true
}

// ActiveCount returns the number of currently running containers.
func (d *DockerEngine) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerEngine) Close() error {
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	return drain(&d.wg, &d.active, "docker")
}
