package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"polyglot-sandbox/internal/policy"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Sandbox  SandboxConfig    `yaml:"sandbox"`
	Runtimes RuntimesConfig   `yaml:"runtimes"`
	Policies []policy.Profile `yaml:"policies"`
	Egress   EgressConfig     `yaml:"egress"`
	Database DatabaseConfig   `yaml:"database"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Tracing  TracingConfig    `yaml:"tracing"`
	Security SecurityConfig   `yaml:"security"`
	TLS      TLSConfig        `yaml:"tls"`
	Log      LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Engine           string        `yaml:"engine"` // "auto" (default), "process", "docker" or "containerd"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	WorkRoot         string        `yaml:"work_root"` // parent of per-execution temp dirs; empty uses os.TempDir
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	CancelGrace      time.Duration `yaml:"cancel_grace"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxCodeBytes     int           `yaml:"max_code_bytes"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// RuntimesConfig controls the loaded-runtime lifecycle.
type RuntimesConfig struct {
	Preload        []string                   `yaml:"preload"`
	MemoryBudgetMB int64                      `yaml:"memory_budget_mb"`
	IdleTimeout    time.Duration              `yaml:"idle_timeout"`
	SweepInterval  time.Duration              `yaml:"sweep_interval"`
	Overrides      map[string]RuntimeOverride `yaml:"overrides"`
}

// RuntimeOverride replaces catalog defaults for one language.
type RuntimeOverride struct {
	Image       string `yaml:"image"`
	Binary      string `yaml:"binary"`
	Version     string `yaml:"version"`
	FootprintMB int64  `yaml:"footprint_mb"`
}

// EgressConfig controls the per-execution forward proxy.
type EgressConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	AdvertiseHost string        `yaml:"advertise_host"` // host name sandboxes use to reach the proxy
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"` // postgres://... or sqlite://path
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BufferSize      int           `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig turns span creation on. Spans go to the global otel
// TracerProvider, which the embedding process installs.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader     string   `yaml:"api_key_header"`
	AllowedKeys      []string `yaml:"allowed_keys"`
	AllowUnauthLocal bool     `yaml:"allow_unauthenticated_local"`
	RateLimitRPS     float64  `yaml:"rate_limit_rps"`
	RateLimitBurst   int      `yaml:"rate_limit_burst"`
	DefaultPolicy    string   `yaml:"default_policy"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Sandbox: SandboxConfig{
			Engine:           "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "polyglot-sandbox",
			MaxTimeout:       60 * time.Second,
			CancelGrace:      50 * time.Millisecond,
			MaxConcurrent:    64,
			MaxCodeBytes:     policy.DefaultMaxCodeBytes,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				PidsLimit: 50,
				DiskMB:    100,
			},
		},
		Runtimes: RuntimesConfig{
			Preload:        []string{"python", "node"},
			MemoryBudgetMB: 512,
			IdleTimeout:    5 * time.Minute,
			SweepInterval:  30 * time.Second,
		},
		Egress: EgressConfig{
			Enabled:       true,
			Listen:        "127.0.0.1:0",
			AdvertiseHost: "127.0.0.1",
			DialTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BufferSize:      1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			DefaultPolicy:  string(policy.LevelModerate),
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Engine {
	case "", "auto", "process", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.engine %q: must be auto, process, docker or containerd", c.Sandbox.Engine)
	}
	if c.Sandbox.MaxTimeout <= 0 {
		return fmt.Errorf("sandbox.max_timeout must be > 0")
	}
	if c.Sandbox.CancelGrace < 0 {
		return fmt.Errorf("sandbox.cancel_grace must be >= 0")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxCodeBytes < 1 {
		return fmt.Errorf("sandbox.max_code_bytes must be >= 1")
	}
	if c.Sandbox.WorkRoot != "" && !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	if c.Runtimes.MemoryBudgetMB < 1 {
		return fmt.Errorf("runtimes.memory_budget_mb must be >= 1")
	}
	if c.Runtimes.SweepInterval <= 0 {
		return fmt.Errorf("runtimes.sweep_interval must be > 0")
	}
	if c.Runtimes.IdleTimeout <= 0 {
		return fmt.Errorf("runtimes.idle_timeout must be > 0")
	}
	for lang, o := range c.Runtimes.Overrides {
		if o.FootprintMB < 0 {
			return fmt.Errorf("runtimes.overrides.%s.footprint_mb must be >= 0", lang)
		}
	}
	if _, err := policy.ParseLevel(c.Security.DefaultPolicy); err != nil {
		return fmt.Errorf("security.default_policy: %w", err)
	}
	for _, p := range c.Policies {
		if p.MaxExecutionTime > c.Sandbox.MaxTimeout {
			return fmt.Errorf("policies.%s: max_execution_time (%s) must be <= sandbox.max_timeout (%s)",
				p.Level, p.MaxExecutionTime, c.Sandbox.MaxTimeout)
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
