// Package config provides unified configuration for the kapsel server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (KAPSEL_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"os"
	"time"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/sandbox"
)

// Config holds all configuration for the kapsel server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 0 (streams are bounded by sandbox.request_timeout)
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// SandboxConfig holds worker pool and isolation settings.
type SandboxConfig struct {
	BaseDir       string   `yaml:"base_dir"`       // required, absolute
	WorkerCommand []string `yaml:"worker_command"` // required

	// PassEnv names server environment variables copied into every
	// worker, typically credentials. They are resolved once at startup.
	PassEnv []string `yaml:"pass_env"`
	// Env holds static entries for every worker.
	Env map[string]string `yaml:"env"`

	MaxWorkers     int           `yaml:"max_workers"`     // default: 16
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // default: 10m
	ReapInterval   time.Duration `yaml:"reap_interval"`   // default: 30s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // default: 30s
	StartTimeout   time.Duration `yaml:"start_timeout"`   // default: 10s
	RequestTimeout time.Duration `yaml:"request_timeout"` // default: 10m
	CancelGrace    time.Duration `yaml:"cancel_grace"`    // default: 5s
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`  // default: 5s
	MaxFrameBytes  int           `yaml:"max_frame_bytes"` // default: 8 MB

	MaxMessageSize int `yaml:"max_message_size"` // default: 1 MB
	MaxAttachments int `yaml:"max_attachments"`  // default: 32
}

// AuditConfig holds execution audit settings.
type AuditConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres", or "none", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig holds log settings. KAPSEL_LOG_LEVEL and KAPSEL_DEBUG
// take precedence at runtime.
type LoggingConfig struct {
	Level string `yaml:"level"` // TRACE, DEBUG, INFO, WARN, ERROR; default: INFO
	Debug string `yaml:"debug"` // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	s := sandbox.DefaultSettings()
	v := api.DefaultValidationConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			MaxBodySize:     10 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			MaxWorkers:     s.MaxWorkers,
			IdleTimeout:    s.IdleTimeout,
			ReapInterval:   s.ReapInterval,
			AcquireTimeout: s.AcquireTimeout,
			StartTimeout:   s.StartTimeout,
			RequestTimeout: s.RequestTimeout,
			CancelGrace:    s.CancelGrace,
			ShutdownGrace:  s.ShutdownGrace,
			MaxFrameBytes:  s.MaxFrameBytes,
			MaxMessageSize: v.MaxMessageSize,
			MaxAttachments: v.MaxAttachments,
		},
		Audit: AuditConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// SandboxSettings converts the sandbox section into pool settings,
// resolving pass_env against the current process environment.
func (c *Config) SandboxSettings() sandbox.Settings {
	return c.sandboxSettings(os.LookupEnv)
}

func (c *Config) sandboxSettings(lookup func(string) (string, bool)) sandbox.Settings {
	sc := c.Sandbox

	env := sandbox.ResolvePassEnv(sc.PassEnv, lookup)
	for k, v := range sc.Env {
		env[k] = v
	}

	return sandbox.Settings{
		BaseDir:        sc.BaseDir,
		Command:        append([]string(nil), sc.WorkerCommand...),
		Env:            env,
		MaxWorkers:     sc.MaxWorkers,
		IdleTimeout:    sc.IdleTimeout,
		ReapInterval:   sc.ReapInterval,
		AcquireTimeout: sc.AcquireTimeout,
		StartTimeout:   sc.StartTimeout,
		RequestTimeout: sc.RequestTimeout,
		CancelGrace:    sc.CancelGrace,
		ShutdownGrace:  sc.ShutdownGrace,
		MaxFrameBytes:  sc.MaxFrameBytes,
	}
}

// Validation returns the request validation limits.
func (c *Config) Validation() api.ValidationConfig {
	return api.ValidationConfig{
		MaxMessageSize: c.Sandbox.MaxMessageSize,
		MaxAttachments: c.Sandbox.MaxAttachments,
	}
}
