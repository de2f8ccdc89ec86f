// Package executor coordinates one sandboxed execution end to end: policy
// screening, runtime acquisition, the timeout race, cancellation, and
// telemetry.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/manager"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/proxy"
	"polyglot-sandbox/internal/runtime"
	"polyglot-sandbox/internal/sandbox"
)

// Options bound what a single request may ask for.
type Options struct {
	MaxTimeout    time.Duration
	CancelGrace   time.Duration
	MaxConcurrent int
	DefaultPolicy policy.Level
	DefaultLimits sandbox.ResourceLimits
}

// DefaultOptions are used for zero fields of Options.
func DefaultOptions() Options {
	return Options{
		MaxTimeout:    60 * time.Second,
		CancelGrace:   50 * time.Millisecond,
		MaxConcurrent: 64,
		DefaultPolicy: policy.LevelModerate,
		DefaultLimits: sandbox.DefaultLimits(),
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithDetector adds container-escape signatures to code and output screening.
func WithDetector(d *monitor.EscapeDetector) Option {
	return func(c *Coordinator) { c.detector = d }
}

// WithEgress routes network-scoped executions through p.
func WithEgress(p *proxy.EgressProxy) Option {
	return func(c *Coordinator) { c.egress = p }
}

// WithAudit sends every result to sink.
func WithAudit(sink AuditSink) Option {
	return func(c *Coordinator) { c.audit = sink }
}

// WithTelemetry attaches metrics and tracing. Either may be nil.
func WithTelemetry(m *monitor.Metrics, t *monitor.Tracer) Option {
	return func(c *Coordinator) {
		c.metrics = m
		c.tracer = t
	}
}

// WithMemoryReader replaces the heap sampler.
func WithMemoryReader(r MemoryReader) Option {
	return func(c *Coordinator) { c.readMemory = r }
}

const sampleInterval = 10 * time.Millisecond

// Coordinator runs execution requests.
type Coordinator struct {
	loader   *manager.Loader
	policies *policy.Engine
	opts     Options

	detector   *monitor.EscapeDetector
	egress     *proxy.EgressProxy
	audit      AuditSink
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	readMemory MemoryReader

	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates a Coordinator. Zero fields of opts take DefaultOptions values.
func New(loader *manager.Loader, policies *policy.Engine, opts Options, extra ...Option) *Coordinator {
	def := DefaultOptions()
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = def.MaxTimeout
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = def.CancelGrace
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = def.DefaultPolicy
	}
	if opts.DefaultLimits == (sandbox.ResourceLimits{}) {
		opts.DefaultLimits = def.DefaultLimits
	}

	c := &Coordinator{
		loader:     loader,
		policies:   policies,
		opts:       opts,
		readMemory: heapInUse,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		running:    make(map[string]context.CancelCauseFunc),
	}
	for _, o := range extra {
		o(c)
	}
	return c
}

// Execute runs req to a terminal state. Policy outcomes are reported in the
// Result; an error is returned only when the request is malformed or no
// runtime could be obtained, and the Result is populated in both cases.
func (c *Coordinator) Execute(ctx context.Context, req Request) (res *Result, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res = &Result{
		ID:        req.ID,
		Language:  req.Language,
		State:     StateValidating,
		RequestIP: req.RequestIP,
		CodeHash:  hashCode(req.Code),
		StartedAt: time.Now(),
	}
	logger := log.With().Str("exec_id", req.ID).Str("language", req.Language).Logger()

	ctx, span := c.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(req.ID),
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrCodeHash.String(res.CodeHash),
	)
	defer func() {
		c.finish(res, len(req.Code), logger)
		span.SetAttributes(
			monitor.AttrState.String(string(res.State)),
			monitor.AttrExitCode.Int(res.ExitCode),
			monitor.AttrDurationMS.Int64(res.ExecutionTime.Milliseconds()),
			monitor.AttrViolations.Int(len(res.Violations)),
		)
		monitor.EndSpan(span, err)
	}()

	// Validating
	desc, profile, err := c.validate(req)
	if err != nil {
		res.fail(err)
		return res, &sandbox.ExecutionError{ExecID: req.ID, Op: "validate", Err: err}
	}
	res.Language = string(desc.Language)
	res.Policy = profile.Level
	span.SetAttributes(monitor.AttrPolicy.String(string(profile.Level)))

	res.Violations = c.analyze(req.Code, profile)
	if policy.Blocking(res.Violations) {
		res.State = StateFailed
		res.Error = sandbox.ErrValidationBlocked.Error()
		logger.Warn().Int("violations", len(res.Violations)).Msg("execution blocked by policy")
		return res, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.register(req.ID, cancel)
	defer c.unregister(req.ID)

	// Loading
	res.State = StateLoading
	select {
	case c.sem <- struct{}{}:
	case <-runCtx.Done():
		res.interrupted(runCtx)
		return res, nil
	}
	lease, err := c.loader.Acquire(runCtx, req.Language, req.ID)
	if err != nil {
		<-c.sem
		if runCtx.Err() != nil {
			res.interrupted(runCtx)
			return res, nil
		}
		res.fail(err)
		logger.Error().Err(err).Msg("runtime unavailable")
		return res, err
	}

	// Executing
	res.State = StateExecuting
	c.run(runCtx, req, profile, lease, res, logger)
	return res, nil
}

func (c *Coordinator) validate(req Request) (runtime.Descriptor, policy.Profile, error) {
	desc, err := c.loader.Catalog().Describe(req.Language)
	if err != nil {
		return runtime.Descriptor{}, policy.Profile{}, err
	}
	if req.Code == "" {
		return desc, policy.Profile{}, fmt.Errorf("%w: code is empty", sandbox.ErrInvalidRequest)
	}
	level := req.Policy
	if level == "" {
		level = c.opts.DefaultPolicy
	}
	if req.Overrides.Timeout < 0 || req.Overrides.Timeout > c.opts.MaxTimeout {
		return desc, policy.Profile{}, fmt.Errorf("%w: timeout must be between 0 and %s", sandbox.ErrInvalidRequest, c.opts.MaxTimeout)
	}
	profile, err := c.policies.Effective(level, req.Overrides)
	if err != nil {
		return desc, policy.Profile{}, fmt.Errorf("%w: %w", sandbox.ErrInvalidRequest, err)
	}
	if profile.MaxExecutionTime > c.opts.MaxTimeout {
		profile.MaxExecutionTime = c.opts.MaxTimeout
	}
	if err := c.opts.DefaultLimits.WithMemory(profile.MaxMemoryMB).Validate(); err != nil {
		return desc, policy.Profile{}, err
	}
	if err := sandbox.ValidateEnv(req.Env); err != nil {
		return desc, policy.Profile{}, err
	}
	return desc, profile, nil
}

func (c *Coordinator) analyze(code string, profile policy.Profile) []policy.Violation {
	var violations []policy.Violation
	if profile.CodeAnalysis {
		violations = c.policies.Analyze(code, profile)
	}
	if c.detector != nil {
		violations = append(violations, c.detector.AnalyzeCode(code)...)
	}
	return violations
}

type outcome struct {
	out *runtime.Output
	err error
}

// run executes the bound runtime and races it against the profile's time
// limit and cancellation. The lease and concurrency slot are released only
// when the runtime returns, even if the result was already decided.
func (c *Coordinator) run(ctx context.Context, req Request, profile policy.Profile, lease *manager.Lease, res *Result, logger zerolog.Logger) {
	scope := c.policies.CapabilityScope(res.Language, profile)
	opts := runtime.ExecOptions{
		ExecID: req.ID,
		Limits: c.opts.DefaultLimits.WithMemory(profile.MaxMemoryMB),
		Scope:  scope,
		Env:    req.Env,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	}

	var session *proxy.Session
	if c.egress != nil && scope.Allows(policy.CapNetwork) {
		s, err := c.egress.Open(req.ID, scope)
		if err != nil {
			logger.Warn().Err(err).Msg("egress session unavailable, network disabled")
		} else {
			session = s
			opts.ProxyURL = s.URL()
		}
	}

	execCtx, cancel := context.WithTimeoutCause(ctx, profile.MaxExecutionTime, sandbox.ErrTimeout)
	defer cancel()

	c.metrics.ExecutionStarted()
	c.active.Add(1)
	c.wg.Add(1)
	sample := startSampler(c.readMemory, sampleInterval)
	start := time.Now()
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("%w: runtime panicked: %v", sandbox.ErrExecution, r)}
			}
			lease.Release(o.err == nil)
			<-c.sem
			c.active.Add(-1)
			c.metrics.ExecutionFinished()
			done <- o
			c.wg.Done()
		}()
		o.out, o.err = lease.Runtime().Execute(execCtx, req.Code, opts)
	}()

	var (
		o           outcome
		finished    bool
		interrupted bool
	)
	select {
	case o = <-done:
		finished = true
	case <-execCtx.Done():
		interrupted = true
		// Give a runtime that honors cancellation a moment to hand back
		// partial output.
		select {
		case o = <-done:
			finished = true
		case <-time.After(c.opts.CancelGrace):
		}
	}
	res.ExecutionTime = time.Since(start)
	res.MemoryUsedMB = sample.Stop()
	if session != nil {
		session.Close()
	}
	if o.err != nil && execCtx.Err() != nil {
		interrupted = true
	}

	if o.out != nil {
		res.Stdout = o.out.Stdout
		res.Stderr = o.out.Stderr
		res.ExitCode = o.out.ExitCode
		if float64(o.out.MemoryPeakMB) > res.MemoryUsedMB {
			res.MemoryUsedMB = float64(o.out.MemoryPeakMB)
		}
	}

	switch {
	case !interrupted && o.err == nil:
		res.State = StateCompleted
		res.checkLimits(profile, o.out)
	case errors.Is(o.err, sandbox.ErrTimeout), interrupted && errors.Is(context.Cause(execCtx), sandbox.ErrTimeout):
		res.State = StateTimedOut
		res.ExitCode = -1
		res.Error = sandbox.ErrTimeout.Error()
		res.Violations = append(res.Violations, policy.Violation{
			Type:     policy.TypeTimeout,
			Severity: policy.SeverityHigh,
			Message:  fmt.Sprintf("execution exceeded %s", profile.MaxExecutionTime),
		})
	case interrupted, errors.Is(o.err, sandbox.ErrCancelled):
		res.State = StateCancelled
		res.ExitCode = -1
		res.Error = sandbox.ErrCancelled.Error()
	default:
		res.State = StateFailed
		res.Error = o.err.Error()
		if o.out == nil {
			res.ExitCode = -1
		}
	}
	if !finished {
		logger.Warn().Str("state", string(res.State)).Msg("runtime did not stop within grace period, still busy")
	}

	if c.detector != nil {
		res.Violations = append(res.Violations, c.detector.AnalyzeOutput(res.Stdout+res.Stderr)...)
	}
	if session != nil {
		res.Violations = append(res.Violations, session.Violations()...)
	}
}

// checkLimits records resource-limit violations measured after the fact.
func (r *Result) checkLimits(profile policy.Profile, out *runtime.Output) {
	if r.ExecutionTime > profile.MaxExecutionTime {
		r.Violations = append(r.Violations, policy.Violation{
			Type:     policy.TypeResourceLimit,
			Severity: policy.SeverityHigh,
			Message:  fmt.Sprintf("execution took %s, limit is %s", r.ExecutionTime.Round(time.Millisecond), profile.MaxExecutionTime),
		})
	}
	if out != nil && out.OOMKilled {
		r.Violations = append(r.Violations, policy.Violation{
			Type:     policy.TypeResourceLimit,
			Severity: policy.SeverityHigh,
			Message:  fmt.Sprintf("killed after exceeding %dMB memory limit", profile.MaxMemoryMB),
		})
	} else if r.MemoryUsedMB > float64(profile.MaxMemoryMB) {
		r.Violations = append(r.Violations, policy.Violation{
			Type:     policy.TypeResourceLimit,
			Severity: policy.SeverityHigh,
			Message:  fmt.Sprintf("used %.1fMB memory, limit is %dMB", r.MemoryUsedMB, profile.MaxMemoryMB),
		})
	}
}

func (r *Result) fail(err error) {
	r.State = StateFailed
	r.Error = err.Error()
}

// interrupted marks a request that was cancelled before it started running.
func (r *Result) interrupted(ctx context.Context) {
	if errors.Is(context.Cause(ctx), sandbox.ErrTimeout) {
		r.State = StateTimedOut
		r.Error = sandbox.ErrTimeout.Error()
		return
	}
	r.State = StateCancelled
	r.Error = sandbox.ErrCancelled.Error()
}

func (c *Coordinator) finish(res *Result, codeBytes int, logger zerolog.Logger) {
	res.CompletedAt = time.Now()
	res.Success = res.State == StateCompleted && res.ExitCode == 0 && !policy.Blocking(res.Violations)

	c.metrics.RecordExecution(res.Language, string(res.State), res.ExecutionTime.Seconds(), codeBytes, len(res.Stdout)+len(res.Stderr))
	if res.State != StateCompleted {
		c.metrics.RecordError(string(res.State))
	}
	for _, v := range res.Violations {
		c.metrics.RecordViolation(string(v.Type), v.Severity.String())
	}
	if c.audit != nil {
		c.audit.Record(res)
	}

	logger.Info().
		Str("state", string(res.State)).
		Bool("success", res.Success).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.ExecutionTime).
		Float64("memory_mb", res.MemoryUsedMB).
		Int("violations", len(res.Violations)).
		Msg("execution finished")
}

func (c *Coordinator) register(id string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

// Cancel signals the in-flight request id. It reports whether one was found.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	cancel, ok := c.running[id]
	delete(c.running, id)
	c.mu.Unlock()
	if ok {
		cancel(sandbox.ErrCancelled)
		log.Info().Str("exec_id", id).Msg("execution cancelled")
	}
	return ok
}

// CancelAll signals every in-flight request and returns how many there were.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(c.running))
	for id, cancel := range c.running {
		cancels = append(cancels, cancel)
		delete(c.running, id)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel(sandbox.ErrCancelled)
	}
	if len(cancels) > 0 {
		log.Info().Int("count", len(cancels)).Msg("cancelled all executions")
	}
	return len(cancels)
}

// Active returns the number of registered in-flight requests.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Running returns the number of runtime calls that have not returned yet,
// including ones whose request already finished.
func (c *Coordinator) Running() int64 {
	return c.active.Load()
}

// Drain waits up to timeout for outstanding runtime calls to return.
func (c *Coordinator) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all executions drained")
	case <-time.After(timeout):
		log.Warn().Int64("still_running", c.active.Load()).Msg("drain timeout, runtimes still running")
	}
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
