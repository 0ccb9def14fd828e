// Package runner is the worker side of the sandbox protocol. A Server
// reads requests from stdin, runs them through a Runtime, and writes
// events and responses to stdout. It is hosted by cmd/kapsel-worker and,
// in tests, by the test binary itself.
package runner
