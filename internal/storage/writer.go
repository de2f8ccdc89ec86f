package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/executor"
)

// AuditWriter persists execution records in the background so the request
// path never waits on the database.
type AuditWriter struct {
	store   Store
	ch      chan *Execution
	wg      sync.WaitGroup
	done    chan struct{}
	backoff time.Duration
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:   store,
		ch:      make(chan *Execution, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record implements executor.AuditSink.
func (w *AuditWriter) Record(res *executor.Result) {
	w.Log(FromResult(res))
}

func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.ch <- exec:
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(exec *Execution) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("exec_id", exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
