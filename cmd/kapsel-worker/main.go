// Command kapsel-worker is the sandbox-side worker process.
//
// It is started by kapsel-server, one process per user, with the user's
// sandbox directory as working directory and a filtered environment. It
// speaks newline-delimited JSON on stdin/stdout and logs JSON to stderr.
//
// Usage:
//
//	kapsel-worker --runtime echo|env|chat
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/runner"
	"github.com/rhuss/kapsel/pkg/runner/runtimes"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		runtimeName   string
		maxFrameBytes int
	)
	flagSet := pflag.NewFlagSet("kapsel-worker", pflag.ContinueOnError)
	flagSet.StringVar(&runtimeName, "runtime", "echo", "agent runtime ("+strings.Join(runtimes.Names(), ", ")+")")
	flagSet.IntVar(&maxFrameBytes, "max-frame-bytes", 0, "largest accepted input frame (default: 8 MB)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// stdout carries frames only.
	debug.InitJSON(os.Stderr, "", "")

	rt, err := runtimes.Lookup(runtimeName)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	// SIGTERM ends the loop; the parent escalates to SIGKILL.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	opts := []runner.Option{runner.WithRuntimeName(runtimeName)}
	if maxFrameBytes > 0 {
		opts = append(opts, runner.WithMaxFrameBytes(maxFrameBytes))
	}
	err = runner.NewServer(rt, opts...).Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
