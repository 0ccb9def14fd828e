// Package audit records the outcome of every sandbox execution on the
// server side. Records carry the internal error kind and the worker's
// stderr tail, which are never shown to clients.
//
// Backends live in subpackages: memory (bounded, for single instances and
// tests) and postgres (durable, shared between gateway replicas).
package audit
