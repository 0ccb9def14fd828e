// Package transport defines the handler interfaces and middleware chain for
// the kapsel HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the sandbox
// orchestrator. It decodes incoming requests into the types defined in
// pkg/api, dispatches them to an Executor, and streams the resulting
// execution events back to the client as SSE.
//
// # Handler Interfaces
//
//   - Executor runs one agent turn and returns its event stream. It is
//     implemented by *sandbox.Orchestrator.
//   - RecordStore reads finished executions back from the audit store.
//   - PoolInspector exposes worker pool statistics.
//
// The EventWriter interface abstracts the streaming output, allowing the
// adapter to emit events without knowing the underlying wire format.
//
// # Middleware
//
// The middleware chain wraps an Executor with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), and structured logging via log/slog.
package transport
