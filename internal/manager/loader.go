package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/runtime"
	"polyglot-sandbox/internal/sandbox"
)

// Factory constructs an uninitialized runtime for a descriptor.
type Factory func(desc runtime.Descriptor) (runtime.Runtime, error)

// EngineFactory builds runtimes that execute on engine.
func EngineFactory(engine sandbox.Engine) Factory {
	return func(desc runtime.Descriptor) (runtime.Runtime, error) {
		return runtime.New(desc, engine)
	}
}

const maxBindAttempts = 3

// Loader produces ready instances, loading each language at most once at a
// time no matter how many callers ask for it.
type Loader struct {
	catalog  *runtime.Catalog
	registry *Registry
	factory  Factory
	budget   int64

	group   singleflight.Group
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithBudget sets the memory ceiling used for over-budget warnings.
func WithBudget(bytes int64) LoaderOption {
	return func(l *Loader) { l.budget = bytes }
}

// WithTelemetry attaches metrics and tracing. Either may be nil.
func WithTelemetry(m *monitor.Metrics, t *monitor.Tracer) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
		l.tracer = t
	}
}

// NewLoader creates a loader that inserts into registry.
func NewLoader(catalog *runtime.Catalog, registry *Registry, factory Factory, opts ...LoaderOption) *Loader {
	l := &Loader{
		catalog:  catalog,
		registry: registry,
		factory:  factory,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Catalog returns the descriptor catalog the loader resolves languages in.
func (l *Loader) Catalog() *runtime.Catalog { return l.catalog }

// Registry returns the registry the loader inserts into.
func (l *Loader) Registry() *Registry { return l.registry }

// EnsureLoaded returns the initialized instance for language, loading it if
// needed. Concurrent callers share a single load. The load itself does not
// observe ctx; a caller whose ctx ends stops waiting without affecting it.
func (l *Loader) EnsureLoaded(ctx context.Context, language string) (*Instance, error) {
	desc, err := l.catalog.Describe(language)
	if err != nil {
		return nil, err
	}
	if inst, ok := l.registry.lookup(desc.Language); ok {
		return inst, nil
	}

	ch := l.group.DoChan(string(desc.Language), func() (any, error) {
		return l.load(context.WithoutCancel(ctx), desc)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) load(ctx context.Context, desc runtime.Descriptor) (inst *Instance, err error) {
	// A load that finished just before this call started has already
	// inserted its instance.
	if inst, ok := l.registry.lookup(desc.Language); ok {
		return inst, nil
	}

	lang := string(desc.Language)
	logger := log.With().Str("language", lang).Logger()
	ctx, span := l.tracer.StartSpan(ctx, "load", monitor.AttrLanguage.String(lang))
	defer func() { monitor.EndSpan(span, err) }()

	if l.budget > 0 {
		if projected := l.registry.TotalMemory() + desc.FootprintBytes; projected > l.budget {
			logger.Warn().
				Int64("projected_bytes", projected).
				Int64("budget_bytes", l.budget).
				Msg("loading runtime over memory budget")
		}
	}

	loadedAt, begin := l.registry.now(), time.Now()
	rt, err := l.initialize(ctx, desc)
	elapsed := time.Since(begin)
	if err != nil {
		l.metrics.RecordLoad(lang, false, elapsed.Seconds())
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("runtime load failed")
		return nil, &sandbox.ExecutionError{
			Op:  "load " + lang,
			Err: fmt.Errorf("%w: %w", sandbox.ErrRuntimeLoad, err),
		}
	}

	inst = newInstance(desc, rt, loadedAt, elapsed)
	l.registry.insert(inst)
	l.metrics.RecordLoad(lang, true, elapsed.Seconds())
	logger.Info().Dur("load_time", elapsed).Int64("footprint_bytes", desc.FootprintBytes).Msg("runtime loaded")
	return inst, nil
}

func (l *Loader) initialize(ctx context.Context, desc runtime.Descriptor) (rt runtime.Runtime, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt, err = nil, fmt.Errorf("initialize panicked: %v", r)
		}
	}()
	rt, err = l.factory(desc)
	if err != nil {
		return nil, err
	}
	if err := rt.Initialize(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// Acquire loads language and binds taskID to the instance in one step, so
// the instance cannot be evicted between the two. The caller must Release
// the lease once the runtime has returned.
func (l *Loader) Acquire(ctx context.Context, language, taskID string) (*Lease, error) {
	for attempt := 1; ; attempt++ {
		inst, err := l.EnsureLoaded(ctx, language)
		if err != nil {
			return nil, err
		}
		if l.registry.bind(inst, taskID) {
			return &Lease{registry: l.registry, inst: inst, taskID: taskID}, nil
		}
		if attempt == maxBindAttempts {
			return nil, &sandbox.ExecutionError{
				ExecID: taskID,
				Op:     "acquire " + string(inst.Language()),
				Err:    fmt.Errorf("%w: runtime unloaded before use", sandbox.ErrRuntimeLoad),
			}
		}
		log.Debug().Str("language", string(inst.Language())).Str("exec_id", taskID).Msg("runtime unloaded before bind, reloading")
	}
}

// Preload loads languages concurrently and returns how many succeeded.
// Failures are logged only.
func (l *Loader) Preload(ctx context.Context, languages []string) int {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		loaded int
	)
	g.SetLimit(2)
	for _, lang := range languages {
		g.Go(func() error {
			if _, err := l.EnsureLoaded(ctx, lang); err != nil {
				log.Warn().Err(err).Str("language", lang).Msg("preload failed")
				return nil
			}
			mu.Lock()
			loaded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("loaded", loaded).Int("requested", len(languages)).Msg("runtime preload finished")
	return loaded
}

// Lease is a task's claim on an instance. While held, the instance is busy
// and cannot be evicted.
type Lease struct {
	registry *Registry
	inst     *Instance
	taskID   string
	once     sync.Once
}

// Runtime returns the bound runtime.
func (l *Lease) Runtime() runtime.Runtime { return l.inst.Runtime() }

// Language returns the bound runtime's language.
func (l *Lease) Language() runtime.Language { return l.inst.Language() }

// Release unbinds the task and counts the outcome. Extra calls are ignored.
func (l *Lease) Release(success bool) {
	l.once.Do(func() {
		l.registry.release(l.inst, l.taskID, success)
	})
}
