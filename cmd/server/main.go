package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/api"
	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/manager"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/proxy"
	"polyglot-sandbox/internal/runtime"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	engine, err := sandbox.NewEngine(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox engine available")
	}

	catalog, err := runtime.CatalogFromConfig(cfg.Runtimes.Overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid runtime overrides")
	}

	policies, err := policy.NewEngine(cfg.Policies, policy.WithMaxCodeBytes(cfg.Sandbox.MaxCodeBytes))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid policy configuration")
	}

	budget := cfg.Runtimes.MemoryBudgetMB << 20
	registry := manager.NewRegistry(metrics)
	loader := manager.NewLoader(catalog, registry, manager.EngineFactory(engine),
		manager.WithBudget(budget),
		manager.WithTelemetry(metrics, tracer),
	)
	memMonitor := manager.NewMonitor(registry, budget, cfg.Runtimes.IdleTimeout, cfg.Runtimes.SweepInterval)
	memMonitor.Start(ctx)

	// Egress proxy: sandboxes with network scope reach the outside only here.
	var egress *proxy.EgressProxy
	if cfg.Egress.Enabled {
		egress = proxy.New(cfg.Egress.Listen, cfg.Egress.AdvertiseHost, cfg.Egress.DialTimeout, metrics)
		if err := egress.Start(); err != nil {
			log.Fatal().Err(err).Str("listen", cfg.Egress.Listen).Msg("failed to start egress proxy")
		}
	}

	// Audit store is optional; without it the history endpoints return 503.
	var store storage.Store
	var auditWriter *storage.AuditWriter
	if cfg.Database.DSN != "" {
		store, err = storage.Open(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			store = nil
		} else {
			defer store.Close()
			auditWriter = storage.NewAuditWriter(store, cfg.Database.BufferSize)
			auditWriter.Start()
		}
	}

	defaultPolicy, _ := policy.ParseLevel(cfg.Security.DefaultPolicy)
	opts := []executor.Option{
		executor.WithDetector(monitor.NewEscapeDetector()),
		executor.WithTelemetry(metrics, tracer),
	}
	if egress != nil {
		opts = append(opts, executor.WithEgress(egress))
	}
	if auditWriter != nil {
		opts = append(opts, executor.WithAudit(auditWriter))
	}
	coordinator := executor.New(loader, policies, executor.Options{
		MaxTimeout:    cfg.Sandbox.MaxTimeout,
		CancelGrace:   cfg.Sandbox.CancelGrace,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		DefaultPolicy: defaultPolicy,
		DefaultLimits: sandbox.ResourceLimits{
			CPUShares: cfg.Sandbox.DefaultLimits.CPUShares,
			MemoryMB:  sandbox.DefaultLimits().MemoryMB,
			PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
			DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
		},
	}, opts...)

	if len(cfg.Runtimes.Preload) > 0 {
		go func() {
			n := loader.Preload(ctx, cfg.Runtimes.Preload)
			log.Info().Int("loaded", n).Strs("requested", cfg.Runtimes.Preload).Msg("runtime preload finished")
		}()
	}

	server := api.NewServer(ctx, cfg, api.Deps{
		Coordinator: coordinator,
		Loader:      loader,
		Policies:    policies,
		Store:       store,
		Metrics:     metrics,
		EngineName:  engine.Name(),
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Stop taking requests, then stop what is still running.
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		coordinator.CancelAll()
		coordinator.Drain(cfg.Sandbox.MaxTimeout)

		memMonitor.Stop()
		n := registry.UnloadAll(shutdownCtx)
		log.Info().Int("runtimes", n).Msg("runtimes unloaded")

		if egress != nil {
			if err := egress.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("egress proxy shutdown error")
			}
		}
		if auditWriter != nil {
			auditWriter.Flush(10 * time.Second)
		}
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("engine", engine.Name()).
		Bool("db_enabled", store != nil).
		Bool("egress_enabled", egress != nil).
		Int64("memory_budget_mb", cfg.Runtimes.MemoryBudgetMB).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}
