package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, KAPSEL_CONFIG env, ./config.yaml, /etc/kapsel/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. KAPSEL_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/kapsel/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("KAPSEL_CONFIG"); envPath != "" {
		return envPath
	}

	// Check common locations.
	candidates := []string{
		"config.yaml",
		"/etc/kapsel/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// envOverrides binds KAPSEL_* variables to config fields.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string) error
}{
	{"KAPSEL_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"KAPSEL_BASE_DIR", func(c *Config, v string) error { c.Sandbox.BaseDir = v; return nil }},
	{"KAPSEL_WORKER_COMMAND", func(c *Config, v string) error { c.Sandbox.WorkerCommand = strings.Fields(v); return nil }},
	{"KAPSEL_PASS_ENV", func(c *Config, v string) error { c.Sandbox.PassEnv = splitList(v); return nil }},
	{"KAPSEL_MAX_WORKERS", func(c *Config, v string) error { return setInt(&c.Sandbox.MaxWorkers, v) }},
	{"KAPSEL_IDLE_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Sandbox.IdleTimeout, v) }},
	{"KAPSEL_ACQUIRE_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Sandbox.AcquireTimeout, v) }},
	{"KAPSEL_REQUEST_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Sandbox.RequestTimeout, v) }},
	{"KAPSEL_AUDIT", func(c *Config, v string) error { c.Audit.Type = v; return nil }},
	{"KAPSEL_AUDIT_SIZE", func(c *Config, v string) error { return setInt(&c.Audit.MaxSize, v) }},
	{"KAPSEL_POSTGRES_DSN", func(c *Config, v string) error { c.Audit.Postgres.DSN = v; return nil }},
}

// applyEnvOverrides maps environment variables to config fields. Unset
// and empty variables are ignored; malformed values are errors.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// If the value field is empty and the file field is set, the file is read,
// whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// audit.postgres.dsn_file -> audit.postgres.dsn
	if cfg.Audit.Postgres.DSNFile != "" && cfg.Audit.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Audit.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("audit.postgres.dsn_file: %w", err)
		}
		cfg.Audit.Postgres.DSN = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
