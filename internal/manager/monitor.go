package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/runtime"
)

// SweepReport lists what one sweep evicted.
type SweepReport struct {
	Idle        []runtime.Language
	OverBudget  []runtime.Language
	TotalMemory int64
}

// Monitor periodically reclaims idle runtimes and keeps the registry's
// estimated memory under a budget. Busy instances are never evicted.
type Monitor struct {
	registry    *Registry
	budget      int64
	idleTimeout time.Duration
	interval    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor. Start must be called to run it periodically.
func NewMonitor(registry *Registry, budgetBytes int64, idleTimeout, interval time.Duration) *Monitor {
	return &Monitor{
		registry:    registry,
		budget:      budgetBytes,
		idleTimeout: idleTimeout,
		interval:    interval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs Sweep on every tick until Stop is called or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
	log.Info().
		Dur("interval", m.interval).
		Dur("idle_timeout", m.idleTimeout).
		Int64("budget_bytes", m.budget).
		Msg("memory budget monitor started")
}

// Stop halts the periodic sweep and waits for a running sweep to finish.
// It must only be called after Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Sweep evicts idle instances, then the least recently used ones while the
// total is over budget. Failures are logged and never returned.
func (m *Monitor) Sweep(ctx context.Context) (report SweepReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("memory sweep panicked")
		}
	}()

	if m.idleTimeout > 0 {
		report.Idle = m.registry.evictIdle(ctx, m.registry.now().Add(-m.idleTimeout))
	}
	for {
		lang, ok := m.registry.evictLRU(ctx, m.budget)
		if !ok {
			break
		}
		report.OverBudget = append(report.OverBudget, lang)
	}
	report.TotalMemory = m.registry.TotalMemory()

	if report.TotalMemory > m.budget {
		log.Warn().
			Int64("total_bytes", report.TotalMemory).
			Int64("budget_bytes", m.budget).
			Msg("over memory budget, remaining runtimes are busy")
	}
	if len(report.Idle)+len(report.OverBudget) > 0 {
		log.Info().
			Int("idle_evicted", len(report.Idle)).
			Int("budget_evicted", len(report.OverBudget)).
			Int64("total_bytes", report.TotalMemory).
			Msg("memory sweep complete")
	}
	return report
}
