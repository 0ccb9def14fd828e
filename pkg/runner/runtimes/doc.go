// Package runtimes provides the built-in agent runtimes selectable with
// kapsel-worker --runtime.
package runtimes
