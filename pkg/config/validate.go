package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	// server.port must be positive.
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	// sandbox.base_dir is required and must be absolute.
	switch {
	case c.Sandbox.BaseDir == "":
		errs = append(errs, fmt.Errorf("sandbox.base_dir is required"))
	case !filepath.IsAbs(c.Sandbox.BaseDir):
		errs = append(errs, fmt.Errorf("sandbox.base_dir must be an absolute path, got %q", c.Sandbox.BaseDir))
	}

	if len(c.Sandbox.WorkerCommand) == 0 {
		errs = append(errs, fmt.Errorf("sandbox.worker_command is required"))
	}

	if c.Sandbox.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_workers must be > 0, got %d", c.Sandbox.MaxWorkers))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"sandbox.idle_timeout", c.Sandbox.IdleTimeout},
		{"sandbox.reap_interval", c.Sandbox.ReapInterval},
		{"sandbox.acquire_timeout", c.Sandbox.AcquireTimeout},
		{"sandbox.start_timeout", c.Sandbox.StartTimeout},
		{"sandbox.request_timeout", c.Sandbox.RequestTimeout},
		{"sandbox.cancel_grace", c.Sandbox.CancelGrace},
		{"sandbox.shutdown_grace", c.Sandbox.ShutdownGrace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", d.name, d.d))
		}
	}

	// pass_env entries must be plain variable names.
	for _, name := range c.Sandbox.PassEnv {
		if name == "" || strings.ContainsRune(name, '=') {
			errs = append(errs, fmt.Errorf("sandbox.pass_env: invalid variable name %q", name))
		}
	}

	// audit.type must be a known value.
	switch c.Audit.Type {
	case "memory", "postgres", "none":
		// valid
	default:
		errs = append(errs, fmt.Errorf("audit.type must be \"memory\", \"postgres\", or \"none\", got %q", c.Audit.Type))
	}

	// If audit.type is "postgres", DSN or DSNFile must be set.
	if c.Audit.Type == "postgres" {
		if c.Audit.Postgres.DSN == "" && c.Audit.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("audit.postgres.dsn or audit.postgres.dsn_file is required when audit.type is \"postgres\""))
		}
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of TRACE, DEBUG, INFO, WARN, ERROR, got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
