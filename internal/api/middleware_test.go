package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		keys       []string
		allowLocal bool
		remote     string
		headers    map[string]string
		want       int
	}{
		{"no keys rejects", nil, false, "127.0.0.1:4000", nil, http.StatusUnauthorized},
		{"no keys allows loopback", nil, true, "127.0.0.1:4000", nil, http.StatusOK},
		{"no keys allows ipv6 loopback", nil, true, "[::1]:4000", nil, http.StatusOK},
		{"no keys rejects remote", nil, true, "10.1.2.3:4000", nil, http.StatusUnauthorized},
		{"valid key", []string{"good-key"}, false, "10.1.2.3:4000", map[string]string{"X-API-Key": "good-key"}, http.StatusOK},
		{"bearer token", []string{"good-key"}, false, "10.1.2.3:4000", map[string]string{"Authorization": "Bearer good-key"}, http.StatusOK},
		{"invalid key", []string{"good-key"}, false, "10.1.2.3:4000", map[string]string{"X-API-Key": "bad-key"}, http.StatusUnauthorized},
		{"missing key", []string{"good-key"}, true, "127.0.0.1:4000", nil, http.StatusUnauthorized},
		{"second key", []string{"a", "b"}, false, "10.1.2.3:4000", map[string]string{"X-API-Key": "b"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware("X-API-Key", tt.keys, tt.allowLocal)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/runtimes", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_CustomHeader(t *testing.T) {
	handler := AuthMiddleware("X-Sandbox-Key", []string{"k"}, false)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("X-Sandbox-Key", "k")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter(1, 2)
	now := time.Now()

	if !l.allow("a", now) || !l.allow("a", now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.allow("a", now) {
		t.Error("third request in the same instant should be limited")
	}
	if !l.allow("b", now) {
		t.Error("clients are limited independently")
	}
	if !l.allow("a", now.Add(1100*time.Millisecond)) {
		t.Error("a token should refill after one second")
	}

	l.prune(now.Add(time.Second))
	if _, ok := l.visitors["b"]; ok {
		t.Error("stale visitor not pruned")
	}
	if _, ok := l.visitors["a"]; !ok {
		t.Error("recent visitor pruned")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimitMiddleware(ctx, 0.001, 1)(okHandler())

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("propagated id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if len(seen) != 36 {
		t.Errorf("oversized id should be replaced by a uuid, got %q", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestMaxBodyMiddleware(t *testing.T) {
	handler := MaxBodyMiddleware(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var maxErr *http.MaxBytesError
		if _, err := io.ReadAll(r.Body); errors.As(err, &maxErr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader("0123456789")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}
