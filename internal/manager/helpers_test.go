package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"polyglot-sandbox/internal/runtime"
)

type stubRuntime struct {
	desc runtime.Descriptor
	f    *stubFactory
}

func (s *stubRuntime) Descriptor() runtime.Descriptor { return s.desc }

func (s *stubRuntime) Initialize(ctx context.Context) error {
	s.f.inits.Add(1)
	if s.f.gate != nil {
		<-s.f.gate
	}
	if s.f.initDelay > 0 {
		time.Sleep(s.f.initDelay)
	}
	return s.f.initErr
}

func (s *stubRuntime) Execute(ctx context.Context, code string, opts runtime.ExecOptions) (*runtime.Output, error) {
	return &runtime.Output{Stdout: code}, nil
}

func (s *stubRuntime) Cleanup(ctx context.Context) error {
	s.f.cleanups.Add(1)
	return nil
}

type stubFactory struct {
	initDelay time.Duration
	initErr   error
	gate      chan struct{}

	inits    atomic.Int32
	cleanups atomic.Int32
}

func (f *stubFactory) build(desc runtime.Descriptor) (runtime.Runtime, error) {
	return &stubRuntime{desc: desc, f: f}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLoader(f *stubFactory) (*Loader, *Registry, *fakeClock) {
	clock := newFakeClock()
	reg := NewRegistry(nil)
	reg.now = clock.now
	return NewLoader(runtime.DefaultCatalog(), reg, f.build), reg, clock
}

const testMB = 1 << 20
