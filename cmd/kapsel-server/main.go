// Command kapsel-server runs the kapsel execution gateway.
//
// It loads configuration (see pkg/config), starts the per-user worker
// pool and its idle reaper, and serves the execution API over HTTP/SSE
// until SIGINT or SIGTERM. On shutdown it drains HTTP requests first and
// then stops every worker.
//
// Usage:
//
//	kapsel-server [--config path] [--port n]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rhuss/kapsel/pkg/audit"
	"github.com/rhuss/kapsel/pkg/audit/memory"
	"github.com/rhuss/kapsel/pkg/audit/postgres"
	"github.com/rhuss/kapsel/pkg/config"
	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/sandbox"
	transporthttp "github.com/rhuss/kapsel/pkg/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
	)
	flagSet := pflag.NewFlagSet("kapsel-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $KAPSEL_CONFIG, ./config.yaml, /etc/kapsel/config.yaml)")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides server.port)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newAuditStore(ctx, cfg.Audit)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	settings := cfg.SandboxSettings()
	pool := sandbox.NewPool(settings, slog.Default())
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go pool.RunReaper(reaperCtx)

	orch := sandbox.NewOrchestrator(pool,
		sandbox.WithAuditStore(store),
		sandbox.WithValidation(cfg.Validation()),
	)

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithPoolInspector(pool),
	}
	if store != nil {
		opts = append(opts, transporthttp.WithRecordStore(store))
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithMetrics(cfg.Observability.Metrics.Path))
	}
	srv := transporthttp.NewServer(orch, opts...)

	slog.Info("kapsel starting",
		"port", cfg.Server.Port,
		"base_dir", settings.BaseDir,
		"worker_command", settings.Command,
		"max_workers", settings.MaxWorkers,
		"audit", cfg.Audit.Type,
	)

	serveErr := srv.ListenAndServe(ctx)

	// HTTP is drained; now stop the workers.
	stopReaper()
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := pool.Close(closeCtx); err != nil {
		slog.Error("closing worker pool", "error", err)
	}

	return serveErr
}

// newAuditStore builds the configured audit store. A nil store disables
// auditing.
func newAuditStore(ctx context.Context, cfg config.AuditConfig) (audit.Store, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("audit enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("creating postgres audit store: %w", err)
		}
		slog.Info("audit enabled", "type", "postgres")
		return store, nil
	default:
		slog.Info("audit disabled")
		return nil, nil
	}
}
