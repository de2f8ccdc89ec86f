package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("python", "completed", 0.2, 100, 10)
	m.RecordExecution("python", "completed", 0.3, 100, 10)
	m.RecordViolation("timeout", "high")
	m.RecordLoad("go", true, 1.5)
	m.RecordLoad("go", false, 0)
	m.RecordEviction("go", "idle")
	m.SetRuntimeUsage(2, 64<<20)
	m.ExecutionStarted()

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "completed")); got != 2 {
		t.Errorf("executions_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Violations.WithLabelValues("timeout", "high")); got != 1 {
		t.Errorf("violations_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RuntimeLoads.WithLabelValues("go", "failure")); got != 1 {
		t.Errorf("loads_total{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LoadedRuntimes); got != 2 {
		t.Errorf("loaded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveExecutions); got != 1 {
		t.Errorf("active_executions = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "failed", 1, 1, 1)
	m.RecordError("x")
	m.RecordViolation("x", "low")
	m.RecordLoad("go", true, 1)
	m.RecordEviction("go", "budget")
	m.SetRuntimeUsage(0, 0)
	m.RecordEgress("denied")
	m.ExecutionStarted()
	m.ExecutionFinished()
}

func TestTracer_NilSafe(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartSpan(context.Background(), "execute", AttrLanguage.String("go"))
	if ctx == nil || span == nil {
		t.Fatal("nil tracer returned nil context or span")
	}
	EndSpan(span, errors.New("boom"))

	_, span = NewTracer().StartSpan(context.Background(), "load")
	EndSpan(span, nil)
}
