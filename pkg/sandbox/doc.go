// Package sandbox runs agent turns in per-user child processes.
//
// A [Worker] owns one child process and the pipes to it. A [Pool] keeps at
// most one worker per user, bounded globally, and reaps idle workers. The
// [Orchestrator] is the entry point for callers: it acquires a worker,
// streams the turn's events back, and turns every failure into a single
// generic error event.
//
// Isolation is process level only. The child runs with a working directory
// under the configured base directory and an explicit environment
// allow-list; it is not confined by namespaces or seccomp.
package sandbox
