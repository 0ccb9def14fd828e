package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Environment variables every worker receives.
const (
	EnvUserID = "SANDBOX_USER_ID"
	EnvDir    = "SANDBOX_DIR"
	EnvHome   = "HOME"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,127}$`)

// Settings are the global sandbox settings shared by all users.
type Settings struct {
	// BaseDir is the absolute directory under which per-user roots
	// (BaseDir/users/<id>) are created.
	BaseDir string

	// Command is the worker executable and its arguments.
	Command []string

	// Env holds the operator-provided environment entries for workers:
	// static values and credentials resolved once at startup.
	Env map[string]string

	MaxWorkers      int
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	AcquireTimeout  time.Duration
	StartTimeout    time.Duration
	RequestTimeout  time.Duration
	CancelGrace     time.Duration
	ShutdownGrace   time.Duration
	MaxFrameBytes   int
	StderrTailBytes int
}

// DefaultSettings returns settings with the default limits and timeouts.
// BaseDir and Command must still be set.
func DefaultSettings() Settings {
	return Settings{
		MaxWorkers:      16,
		IdleTimeout:     10 * time.Minute,
		ReapInterval:    30 * time.Second,
		AcquireTimeout:  30 * time.Second,
		StartTimeout:    10 * time.Second,
		RequestTimeout:  10 * time.Minute,
		CancelGrace:     5 * time.Second,
		ShutdownGrace:   5 * time.Second,
		MaxFrameBytes:   8 << 20,
		StderrTailBytes: 8 << 10,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = d.MaxWorkers
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = d.IdleTimeout
	}
	if s.ReapInterval <= 0 {
		s.ReapInterval = d.ReapInterval
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = d.AcquireTimeout
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = d.StartTimeout
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.CancelGrace <= 0 {
		s.CancelGrace = d.CancelGrace
	}
	if s.ShutdownGrace <= 0 {
		s.ShutdownGrace = d.ShutdownGrace
	}
	if s.MaxFrameBytes <= 0 {
		s.MaxFrameBytes = d.MaxFrameBytes
	}
	if s.StderrTailBytes <= 0 {
		s.StderrTailBytes = d.StderrTailBytes
	}
	return s
}

// ResolvePassEnv looks up the named variables with lookup (normally
// os.LookupEnv) and returns the ones that are set. It is called once at
// startup so that per-user configs never read the server environment.
func ResolvePassEnv(names []string, lookup func(string) (string, bool)) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	return out
}

// Config is the immutable per-user sandbox configuration.
type Config struct {
	UserID      string
	RootPath    string
	Env         map[string]string
	IdleTimeout time.Duration
	MaxWorkers  int
}

// NewConfig derives the configuration for userID from s. It performs no
// I/O. The environment contains the entries of s.Env plus the reserved
// SANDBOX_USER_ID, SANDBOX_DIR, and HOME, which always win over
// operator-provided values of the same name.
func NewConfig(s Settings, userID string) (Config, error) {
	if err := ValidateUserID(userID); err != nil {
		return Config{}, err
	}
	if !filepath.IsAbs(s.BaseDir) {
		return Config{}, fmt.Errorf("sandbox: base dir %q must be absolute", s.BaseDir)
	}

	root := filepath.Join(filepath.Clean(s.BaseDir), "users", userID)

	env := make(map[string]string, len(s.Env)+3)
	for k, v := range s.Env {
		env[k] = v
	}
	env[EnvUserID] = userID
	env[EnvDir] = root
	env[EnvHome] = root

	return Config{
		UserID:      userID,
		RootPath:    root,
		Env:         env,
		IdleTimeout: s.IdleTimeout,
		MaxWorkers:  s.MaxWorkers,
	}, nil
}

// Environ returns the environment in KEY=VALUE form, sorted by key.
func (c Config) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// ValidateUserID checks that id is usable as a single path element.
func ValidateUserID(id string) error {
	if id == "." || id == ".." || !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// prepareRoot creates the sandbox root if needed. A root that exists as a
// symlink or a non-directory is refused, since following it would place
// the worker outside the base directory.
func prepareRoot(root string) error {
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return fmt.Errorf("create users dir: %w", err)
	}
	if err := os.Mkdir(root, 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	fi, err := os.Lstat(root)
	if err != nil {
		return fmt.Errorf("stat sandbox root: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("sandbox root %s is a symlink", root)
	}
	if !fi.IsDir() {
		return fmt.Errorf("sandbox root %s is not a directory", root)
	}
	return nil
}
