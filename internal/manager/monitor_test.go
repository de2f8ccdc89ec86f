package manager

import (
	"context"
	"slices"
	"testing"
	"time"

	"polyglot-sandbox/internal/runtime"
)

func mustLoad(t *testing.T, l *Loader, langs ...string) {
	t.Helper()
	for _, lang := range langs {
		if _, err := l.EnsureLoaded(context.Background(), lang); err != nil {
			t.Fatalf("load %s: %v", lang, err)
		}
	}
}

func TestSweep_NeverEvictsBusyInstance(t *testing.T) {
	f := &stubFactory{}
	loader, reg, clock := newTestLoader(f)
	ctx := context.Background()

	lease, err := loader.Acquire(ctx, "go", "long-running")
	if err != nil {
		t.Fatal(err)
	}
	mustLoad(t, loader, "python")
	clock.advance(time.Hour)

	m := NewMonitor(reg, 0, time.Minute, time.Second)
	report := m.Sweep(ctx)

	if !slices.Equal(report.Idle, []runtime.Language{runtime.Python}) {
		t.Errorf("Idle = %v, want [python]", report.Idle)
	}
	if len(report.OverBudget) != 0 {
		t.Errorf("OverBudget = %v, want none", report.OverBudget)
	}
	if _, ok := reg.Get(runtime.Go); !ok {
		t.Fatal("busy go instance was evicted")
	}
	if report.TotalMemory != 256*testMB {
		t.Errorf("TotalMemory = %d, want %d", report.TotalMemory, 256*testMB)
	}

	lease.Release(true)
	m.Sweep(ctx)
	if _, ok := reg.Get(runtime.Go); ok {
		t.Error("go instance survived sweep after release")
	}
}

func TestSweep_BudgetConvergence(t *testing.T) {
	f := &stubFactory{}
	loader, reg, clock := newTestLoader(f)
	ctx := context.Background()

	mustLoad(t, loader, "python")
	clock.advance(time.Second)
	mustLoad(t, loader, "node")
	clock.advance(time.Second)
	mustLoad(t, loader, "bash")

	if got := reg.TotalMemory(); got != 120*testMB {
		t.Fatalf("TotalMemory = %d, want 120MB", got)
	}

	m := NewMonitor(reg, 70*testMB, 0, time.Second)
	report := m.Sweep(ctx)

	want := []runtime.Language{runtime.Python, runtime.Node}
	if !slices.Equal(report.OverBudget, want) {
		t.Errorf("OverBudget = %v, want %v", report.OverBudget, want)
	}
	if report.TotalMemory > 70*testMB {
		t.Errorf("TotalMemory = %d, still over budget", report.TotalMemory)
	}
	if f.cleanups.Load() != 2 {
		t.Errorf("Cleanup called %d times, want 2", f.cleanups.Load())
	}
}

func TestSweep_OverBudgetWithOnlyBusyInstances(t *testing.T) {
	loader, reg, _ := newTestLoader(&stubFactory{})
	lease, err := loader.Acquire(context.Background(), "go", "t1")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(true)

	report := NewMonitor(reg, testMB, 0, time.Second).Sweep(context.Background())
	if len(report.OverBudget) != 0 || reg.Len() != 1 {
		t.Errorf("report = %+v, registry len %d", report, reg.Len())
	}
}

func TestSweep_SecondLanguageEvictsFirst(t *testing.T) {
	loader, reg, clock := newTestLoader(&stubFactory{})
	ctx := context.Background()

	// The budget fits exactly one node runtime.
	node, _ := runtime.DefaultCatalog().Describe("node")
	m := NewMonitor(reg, node.FootprintBytes, 5*time.Minute, time.Second)

	mustLoad(t, loader, "python")
	if r := m.Sweep(ctx); len(r.OverBudget) != 0 {
		t.Fatalf("single runtime evicted: %+v", r)
	}

	clock.advance(time.Second)
	mustLoad(t, loader, "node")
	report := m.Sweep(ctx)

	if !slices.Equal(report.OverBudget, []runtime.Language{runtime.Python}) {
		t.Errorf("OverBudget = %v, want [python]", report.OverBudget)
	}
	if _, ok := reg.Get(runtime.Node); !ok {
		t.Error("node was evicted")
	}
}

func TestSweep_IdleThreshold(t *testing.T) {
	loader, reg, clock := newTestLoader(&stubFactory{})
	ctx := context.Background()
	m := NewMonitor(reg, 1<<40, 5*time.Minute, time.Second)

	mustLoad(t, loader, "bash")
	clock.advance(4 * time.Minute)
	if r := m.Sweep(ctx); len(r.Idle) != 0 {
		t.Fatalf("evicted before idle threshold: %+v", r)
	}

	// A use resets the idle clock.
	mustLoad(t, loader, "bash")
	clock.advance(4 * time.Minute)
	if r := m.Sweep(ctx); len(r.Idle) != 0 {
		t.Fatalf("evicted after recent use: %+v", r)
	}

	clock.advance(2 * time.Minute)
	if r := m.Sweep(ctx); len(r.Idle) != 1 {
		t.Errorf("Idle = %v, want [bash]", r.Idle)
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d instances, want 0", reg.Len())
	}
}

func TestMonitor_StartStop(t *testing.T) {
	loader, reg, _ := newTestLoader(&stubFactory{})
	mustLoad(t, loader, "python")

	m := NewMonitor(reg, 0, 0, 5*time.Millisecond)
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	if reg.Len() != 0 {
		t.Error("periodic sweep never evicted the instance")
	}
}
