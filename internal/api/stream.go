package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// sseStream serializes Server-Sent Events onto one response. Stdout and
// stderr writers share it, so events never interleave mid-frame.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

var errStreamClosed = errors.New("event stream closed")

// newSSEStream returns nil if w does not support flushing.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

// send writes one event. Each line of a multi-line payload gets its own
// "data:" prefix, otherwise program output could inject fake events.
func (s *sseStream) send(event, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// finish sends a final event and drops anything written afterwards. A
// runtime that outlives its request must not touch the response.
func (s *sseStream) finish(event, payload string) {
	_ = s.send(event, payload)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// writer returns an io.Writer that emits each write as one event.
func (s *sseStream) writer(event string) *sseWriter {
	return &sseWriter{stream: s, event: event}
}

type sseWriter struct {
	stream *sseStream
	event  string
}

func (w *sseWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.stream.send(w.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
