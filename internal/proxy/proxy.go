// Package proxy runs the egress proxy sandboxed programs use for outbound
// HTTP. Every execution with network in scope gets its own session with
// credentials, a domain allowlist, and a request budget.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/policy"
)

var (
	ErrNotStarted    = errors.New("egress proxy not started")
	ErrSessionClosed = errors.New("egress session closed")
)

// EgressProxy is a forward proxy on the host. Sandboxes reach it through
// HTTP_PROXY and authenticate with their session's credentials.
type EgressProxy struct {
	server        *http.Server
	listen        string
	advertiseHost string
	dialTimeout   time.Duration
	rp            *httputil.ReverseProxy
	metrics       *monitor.Metrics

	mu       sync.Mutex
	addr     string
	sessions map[string]*Session
}

// New creates a proxy that will listen on listen and tell sandboxes to
// connect to advertiseHost.
func New(listen, advertiseHost string, dialTimeout time.Duration, metrics *monitor.Metrics) *EgressProxy {
	p := &EgressProxy{
		listen:        listen,
		advertiseHost: advertiseHost,
		dialTimeout:   dialTimeout,
		metrics:       metrics,
		sessions:      make(map[string]*Session),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout}).DialContext
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Requests to a forward proxy carry the absolute target URL.
			pr.Out.URL = cloneURL(pr.In.URL)
			pr.Out.Host = ""
			pr.Out.Header.Del("Proxy-Authorization")
			pr.Out.Header.Del("Proxy-Connection")
		},
		Transport: transport,
	}

	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// Start begins listening. The server runs in a background goroutine.
func (p *EgressProxy) Start() error {
	ln, err := net.Listen("tcp", p.listen)
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	p.mu.Lock()
	p.addr = net.JoinHostPort(p.advertiseHost, port)
	p.mu.Unlock()

	go func() {
		_ = p.server.Serve(ln) // returns on Close/Shutdown
	}()
	log.Info().Str("listen", ln.Addr().String()).Str("advertise", p.addr).Msg("egress proxy started")
	return nil
}

// Close gracefully shuts down the proxy.
func (p *EgressProxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// Open starts a session for one execution under scope.
func (p *EgressProxy) Open(execID string, scope policy.Scope) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addr == "" {
		return nil, ErrNotStarted
	}
	s := &Session{
		proxy:   p,
		execID:  execID,
		token:   uuid.NewString(),
		addr:    p.addr,
		allowed: scope.AllowedDomains,
		max:     scope.MaxNetworkRequests,
	}
	p.sessions[execID] = s
	return s, nil
}

// Sessions returns the number of open sessions.
func (p *EgressProxy) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *EgressProxy) remove(execID string) {
	p.mu.Lock()
	delete(p.sessions, execID)
	p.mu.Unlock()
}

// authenticate resolves the Proxy-Authorization credentials to a session.
func (p *EgressProxy) authenticate(r *http.Request) *Session {
	user, token, ok := proxyBasicAuth(r.Header.Get("Proxy-Authorization"))
	if !ok {
		return nil
	}
	p.mu.Lock()
	s := p.sessions[user]
	p.mu.Unlock()
	if s == nil || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return nil
	}
	return s
}

func (p *EgressProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := p.authenticate(r)
	if s == nil {
		w.Header().Set("Proxy-Authenticate", `Basic realm="sandbox"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	host := r.URL.Hostname()
	if r.Method == http.MethodConnect {
		host, _, _ = net.SplitHostPort(r.Host)
	}
	if host == "" {
		http.Error(w, "absolute URL required", http.StatusBadRequest)
		return
	}

	logger := log.With().Str("exec_id", s.execID).Str("host", host).Logger()
	if status, err := s.admit(host); err != nil {
		p.metrics.RecordEgress("denied")
		logger.Warn().Err(err).Msg("egress request denied")
		http.Error(w, err.Error(), status)
		return
	}
	p.metrics.RecordEgress("allowed")
	logger.Debug().Str("method", r.Method).Msg("egress request allowed")

	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}
	if r.URL.Scheme != "http" {
		http.Error(w, "unsupported scheme", http.StatusBadRequest)
		return
	}
	p.rp.ServeHTTP(w, r)
}

// tunnel splices the client connection to the target for CONNECT requests.
func (p *EgressProxy) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, p.dialTimeout)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	go func() {
		defer upstream.Close()
		defer client.Close()
		if buf.Reader.Buffered() > 0 {
			if _, err := io.CopyN(upstream, buf, int64(buf.Reader.Buffered())); err != nil {
				return
			}
		}
		go func() {
			_, _ = io.Copy(upstream, client)
			upstream.Close()
		}()
		_, _ = io.Copy(client, upstream)
	}()
}

// Session is one execution's view of the proxy.
type Session struct {
	proxy   *EgressProxy
	execID  string
	token   string
	addr    string
	allowed []string
	max     int

	mu         sync.Mutex
	requests   int
	closed     bool
	overBudget bool
	violations []policy.Violation
}

// URL is the proxy URL with credentials, suitable for HTTP_PROXY.
func (s *Session) URL() string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(s.execID, s.token),
		Host:   s.addr,
	}
	return u.String()
}

// Requests returns how many requests were admitted.
func (s *Session) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Violations returns what the session observed.
func (s *Session) Violations() []policy.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// Close ends the session. Later requests are rejected.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.proxy.remove(s.execID)
}

func (s *Session) admit(host string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return http.StatusForbidden, ErrSessionClosed
	}
	if !policy.DomainAllowed(host, s.allowed) {
		s.violations = append(s.violations, policy.Violation{
			Type:     policy.TypeNetworkAccess,
			Severity: policy.SeverityHigh,
			Message:  fmt.Sprintf("outbound request to %q is outside the allowed domains", host),
			Pattern:  host,
		})
		return http.StatusForbidden, fmt.Errorf("domain %q not allowed", host)
	}
	if s.requests >= s.max {
		if !s.overBudget {
			s.overBudget = true
			s.violations = append(s.violations, policy.Violation{
				Type:     policy.TypeNetworkAccess,
				Severity: policy.SeverityHigh,
				Message:  fmt.Sprintf("network request limit of %d exceeded", s.max),
				Pattern:  host,
			})
		}
		return http.StatusTooManyRequests, fmt.Errorf("request limit %d reached", s.max)
	}
	s.requests++
	return 0, nil
}

func proxyBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

func cloneURL(u *url.URL) *url.URL {
	out := *u
	out.User = nil
	return &out
}
