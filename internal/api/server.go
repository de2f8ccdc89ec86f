// Package api exposes the execution coordinator and runtime manager over HTTP.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/manager"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/storage"
)

// Deps are the components the API serves. Store and Metrics may be nil.
type Deps struct {
	Coordinator *executor.Coordinator
	Loader      *manager.Loader
	Policies    *policy.Engine
	Store       storage.Store
	Metrics     *monitor.Metrics
	EngineName  string
}

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. Background work started here stops when ctx ends.
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Coordinator, deps.Loader, deps.Policies, deps.Store, deps.Metrics,
		cfg.Runtimes.MemoryBudgetMB<<20)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthLocal {
			log.Warn().Msg("no API keys configured, only loopback clients will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated_local is false, all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /execute/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("GET /runtimes", handlers.HandleListRuntimes)
	apiMux.HandleFunc("GET /runtimes/{language}", handlers.HandleGetRuntime)
	apiMux.HandleFunc("POST /runtimes/{language}/load", handlers.HandleLoadRuntime)
	apiMux.HandleFunc("DELETE /runtimes/{language}", handlers.HandleUnloadRuntime)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("DELETE /executions/{id}", handlers.HandleCancelExecution)
	apiMux.HandleFunc("POST /executions/cancel", handlers.HandleCancelAll)
	apiMux.HandleFunc("GET /stats", handlers.HandleStats)
	apiMux.HandleFunc("GET /policies", handlers.HandlePolicies)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthLocal)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost last.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(ctx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Store == nil || s.deps.Store.Healthy(r.Context())

	resp := HealthResponse{
		Status:         "ok",
		Engine:         s.deps.EngineName,
		Database:       dbOK,
		LoadedRuntimes: s.deps.Loader.Registry().Len(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
