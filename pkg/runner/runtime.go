package runner

import (
	"context"

	"github.com/rhuss/kapsel/pkg/api"
)

// Input is one execute request as seen by a Runtime.
type Input struct {
	// ID is the correlation id of the execution.
	ID          string
	UserID      string
	SessionID   string
	Message     string
	Attachments []api.Attachment

	// Root is the sandbox root; attachment paths are relative to it.
	Root string
}

// EmitFunc streams one event to the caller. It fails once the execution
// has finished, and for the event types the orchestrator reserves for
// itself ("completed" and "error").
type EmitFunc func(eventType string, data any) error

// Runtime executes agent turns. Handle must return promptly once ctx is
// cancelled; the returned value is sent as the response result.
type Runtime interface {
	Handle(ctx context.Context, in Input, emit EmitFunc) (any, error)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, in Input, emit EmitFunc) (any, error)

// Handle calls f.
func (f RuntimeFunc) Handle(ctx context.Context, in Input, emit EmitFunc) (any, error) {
	return f(ctx, in, emit)
}
