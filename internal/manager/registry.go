// Package manager owns the lifecycle of loaded language runtimes: the
// registry of instances, the loader that creates them on demand, and the
// monitor that evicts them to stay under a memory budget.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/runtime"
)

var (
	ErrNotLoaded = errors.New("runtime not loaded")
	ErrBusy      = errors.New("runtime is executing")
)

// Eviction reasons, used as metric labels.
const (
	ReasonIdle     = "idle"
	ReasonBudget   = "budget"
	ReasonManual   = "manual"
	ReasonShutdown = "shutdown"
)

// Instance is one loaded runtime. All mutable fields are guarded by the
// owning Registry's mutex.
type Instance struct {
	desc runtime.Descriptor
	rt   runtime.Runtime

	loaded      bool
	initialized bool
	loadedAt    time.Time
	lastUsed    time.Time
	loadTime    time.Duration
	usageCount  int64
	errorCount  int64
	tasks       map[string]struct{}
	memoryBytes int64
}

func newInstance(desc runtime.Descriptor, rt runtime.Runtime, loadedAt time.Time, loadTime time.Duration) *Instance {
	return &Instance{
		desc:        desc,
		rt:          rt,
		loaded:      true,
		initialized: true,
		loadedAt:    loadedAt,
		lastUsed:    loadedAt,
		loadTime:    loadTime,
		tasks:       make(map[string]struct{}),
		memoryBytes: desc.FootprintBytes,
	}
}

// Language returns the instance's language id.
func (i *Instance) Language() runtime.Language { return i.desc.Language }

// Runtime returns the loaded runtime. It never changes after load.
func (i *Instance) Runtime() runtime.Runtime { return i.rt }

func (i *Instance) busy() bool { return len(i.tasks) > 0 }

func (i *Instance) info() InstanceInfo {
	tasks := make([]string, 0, len(i.tasks))
	for id := range i.tasks {
		tasks = append(tasks, id)
	}
	sort.Strings(tasks)
	return InstanceInfo{
		Language:     i.desc.Language,
		DisplayName:  i.desc.DisplayName,
		Version:      i.desc.Version,
		Loaded:       i.loaded,
		Initialized:  i.initialized,
		LoadedAt:     i.loadedAt,
		LastUsed:     i.lastUsed,
		LoadTime:     i.loadTime,
		UsageCount:   i.usageCount,
		ErrorCount:   i.errorCount,
		CurrentTasks: tasks,
		MemoryBytes:  i.memoryBytes,
	}
}

// InstanceInfo is a point-in-time copy of an Instance.
type InstanceInfo struct {
	Language     runtime.Language
	DisplayName  string
	Version      string
	Loaded       bool
	Initialized  bool
	LoadedAt     time.Time
	LastUsed     time.Time
	LoadTime     time.Duration
	UsageCount   int64
	ErrorCount   int64
	CurrentTasks []string
	MemoryBytes  int64
}

// Busy reports whether a task was bound when the snapshot was taken.
func (i InstanceInfo) Busy() bool { return len(i.CurrentTasks) > 0 }

// Registry maps language ids to loaded instances. Only the Loader inserts;
// only unload paths remove.
type Registry struct {
	mu        sync.Mutex
	instances map[runtime.Language]*Instance

	now     func() time.Time
	metrics *monitor.Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *monitor.Metrics) *Registry {
	return &Registry{
		instances: make(map[runtime.Language]*Instance),
		now:       time.Now,
		metrics:   metrics,
	}
}

// lookup returns the initialized instance for lang and marks it used.
func (r *Registry) lookup(lang runtime.Language) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[lang]
	if !ok || !inst.initialized {
		return nil, false
	}
	inst.lastUsed = r.now()
	return inst, true
}

func (r *Registry) insert(inst *Instance) {
	r.mu.Lock()
	r.instances[inst.desc.Language] = inst
	loaded, total := len(r.instances), r.totalLocked()
	r.mu.Unlock()
	r.metrics.SetRuntimeUsage(loaded, total)
}

// bind attaches taskID to inst if inst is still the registered instance for
// its language. Both happen under one lock so an eviction cannot slip in.
func (r *Registry) bind(inst *Instance, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[inst.desc.Language] != inst {
		return false
	}
	inst.tasks[taskID] = struct{}{}
	inst.lastUsed = r.now()
	return true
}

// release detaches taskID and records the outcome. It works on instances that
// were force-unloaded while the task ran.
func (r *Registry) release(inst *Instance, taskID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(inst.tasks, taskID)
	inst.lastUsed = r.now()
	if success {
		inst.usageCount++
	} else {
		inst.errorCount++
	}
}

// Get returns a snapshot of the instance for lang.
func (r *Registry) Get(lang runtime.Language) (InstanceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[lang]
	if !ok {
		return InstanceInfo{}, false
	}
	return inst.info(), true
}

// Snapshot returns copies of every loaded instance, sorted by language.
func (r *Registry) Snapshot() []InstanceInfo {
	r.mu.Lock()
	out := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Len returns the number of loaded instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// TotalMemory is the sum of the footprint estimates of loaded instances.
func (r *Registry) TotalMemory() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked()
}

func (r *Registry) totalLocked() int64 {
	var total int64
	for _, inst := range r.instances {
		total += inst.memoryBytes
	}
	return total
}

// Unload removes an idle instance and releases its resources. Unknown and
// busy instances are left untouched.
func (r *Registry) Unload(ctx context.Context, lang runtime.Language) error {
	inst, err := r.detach(func(m map[runtime.Language]*Instance) (*Instance, error) {
		inst, ok := m[lang]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotLoaded, lang)
		}
		if inst.busy() {
			return nil, fmt.Errorf("%w: %s", ErrBusy, lang)
		}
		return inst, nil
	})
	if err != nil {
		return err
	}
	return r.dispose(ctx, inst, ReasonManual)
}

// ForceUnload removes an instance even if tasks are bound to it. Running
// tasks keep their reference and finish against the released runtime.
func (r *Registry) ForceUnload(ctx context.Context, lang runtime.Language) error {
	inst, err := r.detach(func(m map[runtime.Language]*Instance) (*Instance, error) {
		inst, ok := m[lang]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotLoaded, lang)
		}
		return inst, nil
	})
	if err != nil {
		return err
	}
	return r.dispose(ctx, inst, ReasonShutdown)
}

// UnloadAll force-unloads every instance and returns how many were removed.
func (r *Registry) UnloadAll(ctx context.Context) int {
	var n int
	for _, info := range r.Snapshot() {
		if err := r.ForceUnload(ctx, info.Language); err != nil && !errors.Is(err, ErrNotLoaded) {
			log.Warn().Err(err).Str("language", string(info.Language)).Msg("runtime cleanup failed during shutdown")
		}
		n++
	}
	return n
}

// evictIdle removes every non-busy instance unused since cutoff.
func (r *Registry) evictIdle(ctx context.Context, cutoff time.Time) []runtime.Language {
	r.mu.Lock()
	var victims []*Instance
	for lang, inst := range r.instances {
		if !inst.busy() && inst.lastUsed.Before(cutoff) {
			victims = append(victims, inst)
			delete(r.instances, lang)
		}
	}
	r.mu.Unlock()

	out := make([]runtime.Language, 0, len(victims))
	for _, inst := range victims {
		if err := r.dispose(ctx, inst, ReasonIdle); err != nil {
			log.Warn().Err(err).Str("language", string(inst.desc.Language)).Msg("idle runtime cleanup failed")
		}
		out = append(out, inst.desc.Language)
	}
	return out
}

// evictLRU removes the least recently used non-busy instance while the
// total is above budget. It reports false when nothing was evicted.
func (r *Registry) evictLRU(ctx context.Context, budget int64) (runtime.Language, bool) {
	inst, _ := r.detach(func(m map[runtime.Language]*Instance) (*Instance, error) {
		var total int64
		for _, inst := range m {
			total += inst.memoryBytes
		}
		if total <= budget {
			return nil, nil
		}
		var victim *Instance
		for _, inst := range m {
			if inst.busy() {
				continue
			}
			if victim == nil || inst.lastUsed.Before(victim.lastUsed) {
				victim = inst
			}
		}
		return victim, nil
	})
	if inst == nil {
		return "", false
	}
	if err := r.dispose(ctx, inst, ReasonBudget); err != nil {
		log.Warn().Err(err).Str("language", string(inst.desc.Language)).Msg("evicted runtime cleanup failed")
	}
	return inst.desc.Language, true
}

// detach picks an instance under the lock and removes it from the map.
func (r *Registry) detach(pick func(map[runtime.Language]*Instance) (*Instance, error)) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := pick(r.instances)
	if err != nil || inst == nil {
		return nil, err
	}
	delete(r.instances, inst.desc.Language)
	return inst, nil
}

// dispose runs Cleanup on a detached instance and resets its accounting.
func (r *Registry) dispose(ctx context.Context, inst *Instance, reason string) error {
	err := inst.rt.Cleanup(ctx)

	r.mu.Lock()
	inst.loaded = false
	inst.initialized = false
	inst.memoryBytes = 0
	loaded, total := len(r.instances), r.totalLocked()
	r.mu.Unlock()

	r.metrics.RecordEviction(string(inst.desc.Language), reason)
	r.metrics.SetRuntimeUsage(loaded, total)
	log.Info().
		Str("language", string(inst.desc.Language)).
		Str("reason", reason).
		Int64("total_memory_bytes", total).
		Msg("runtime unloaded")

	if err != nil {
		return fmt.Errorf("cleanup %s: %w", inst.desc.Language, err)
	}
	return nil
}

// UsageStats are the counters of one loaded runtime.
type UsageStats struct {
	UsageCount int64
	ErrorCount int64
	LastUsed   time.Time
	Busy       bool
}

// PerformanceStats summarizes the registry.
type PerformanceStats struct {
	TotalMemoryBytes int64
	LoadedRuntimes   []runtime.Language
	AverageLoadTime  time.Duration
	Usage            map[runtime.Language]UsageStats
}

// Stats computes PerformanceStats over the loaded instances.
func (r *Registry) Stats() PerformanceStats {
	infos := r.Snapshot()
	stats := PerformanceStats{
		LoadedRuntimes: make([]runtime.Language, 0, len(infos)),
		Usage:          make(map[runtime.Language]UsageStats, len(infos)),
	}
	var loadTotal time.Duration
	for _, info := range infos {
		stats.TotalMemoryBytes += info.MemoryBytes
		stats.LoadedRuntimes = append(stats.LoadedRuntimes, info.Language)
		loadTotal += info.LoadTime
		stats.Usage[info.Language] = UsageStats{
			UsageCount: info.UsageCount,
			ErrorCount: info.ErrorCount,
			LastUsed:   info.LastUsed,
			Busy:       info.Busy(),
		}
	}
	if len(infos) > 0 {
		stats.AverageLoadTime = loadTotal / time.Duration(len(infos))
	}
	return stats
}
