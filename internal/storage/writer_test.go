package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/policy"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []*Execution
}

func (f *flakyStore) LogExecution(ctx context.Context, exec *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.saved = append(f.saved, exec)
	return nil
}

func (f *flakyStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return nil, ErrNotFound
}

func (f *flakyStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	return nil, nil
}

func (f *flakyStore) Healthy(ctx context.Context) bool { return true }
func (f *flakyStore) Close() error                     { return nil }

func TestAuditWriter_RetriesThenFlushes(t *testing.T) {
	store := &flakyStore{failures: 2}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Execution{ID: "e1"})
	w.Log(&Execution{ID: "e2"})
	w.Flush(5 * time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 2 {
		t.Fatalf("saved %d records, want 2", len(store.saved))
	}
	if store.calls != 4 {
		t.Errorf("LogExecution called %d times, want 4", store.calls)
	}
}

func TestAuditWriter_GivesUpAfterRetries(t *testing.T) {
	store := &flakyStore{failures: 100}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Execution{ID: "doomed"})
	w.Flush(5 * time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 4 || len(store.saved) != 0 {
		t.Errorf("calls = %d, saved = %d", store.calls, len(store.saved))
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	store := &flakyStore{}
	w := NewAuditWriter(store, 1)

	w.Log(&Execution{ID: "kept"})
	w.Log(&Execution{ID: "dropped"})

	w.Start()
	w.Flush(5 * time.Second)
	if len(store.saved) != 1 || store.saved[0].ID != "kept" {
		t.Errorf("saved = %v", store.saved)
	}
}

func TestFromResult(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	res := &executor.Result{
		ID:            "exec-9",
		Language:      "python",
		Policy:        policy.LevelStrict,
		State:         executor.StateTimedOut,
		ExitCode:      -1,
		Stdout:        strings.Repeat("x", maxStoredOutput+10),
		ExecutionTime: 1500 * time.Millisecond,
		Violations: []policy.Violation{
			{Type: policy.TypeTimeout, Severity: policy.SeverityHigh, Message: "execution exceeded 1s"},
		},
		Error:       "execution timed out",
		StartedAt:   start,
		CompletedAt: start.Add(1600 * time.Millisecond),
	}

	exec := FromResult(res)
	if exec.ID != "exec-9" || exec.State != "timed_out" || exec.Policy != "strict" {
		t.Errorf("exec = %+v", exec)
	}
	if len(exec.Stdout) != maxStoredOutput {
		t.Errorf("Stdout len = %d, want %d", len(exec.Stdout), maxStoredOutput)
	}
	if exec.DurationMS != 1500 || exec.ViolationCount != 1 {
		t.Errorf("DurationMS = %d, ViolationCount = %d", exec.DurationMS, exec.ViolationCount)
	}
	if v := exec.Violations[0]; v.Severity != "high" || v.Type != "timeout" || v.ExecutionID != "exec-9" {
		t.Errorf("violation = %+v", v)
	}
	if exec.CompletedAt == nil || !exec.CompletedAt.Equal(res.CompletedAt) {
		t.Errorf("CompletedAt = %v", exec.CompletedAt)
	}
}
