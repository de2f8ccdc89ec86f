package executor

import (
	goruntime "runtime"
	"sync"
	"time"
)

// MemoryReader returns the current memory usage in bytes.
type MemoryReader func() uint64

func heapInUse() uint64 {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// sampler tracks the peak of a MemoryReader above a baseline while an
// execution runs.
type sampler struct {
	read     MemoryReader
	baseline uint64

	mu   sync.Mutex
	peak uint64

	stop chan struct{}
	done chan struct{}
}

func startSampler(read MemoryReader, interval time.Duration) *sampler {
	base := read()
	s := &sampler{
		read:     read,
		baseline: base,
		peak:     base,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.observe()
			}
		}
	}()
	return s
}

func (s *sampler) observe() {
	v := s.read()
	s.mu.Lock()
	if v > s.peak {
		s.peak = v
	}
	s.mu.Unlock()
}

// Stop takes a final sample and returns the peak growth in MB.
func (s *sampler) Stop() float64 {
	close(s.stop)
	<-s.done
	s.observe()
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.peak-s.baseline) / (1 << 20)
}
