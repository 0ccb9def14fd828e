package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/kapsel/pkg/api"
)

type requestIDKey struct{}

// ContextWithRequestID attaches a request ID to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID returns middleware that makes sure every execution carries a
// request ID in its context and an execution ID of its own.
//
// The request ID is only a log correlation handle and may come from the
// client. The execution ID keys audit records and cancellation, so it is
// always generated here when the caller has not assigned one.
func RequestID() Middleware {
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, req api.ExecuteRequest) (<-chan api.Event, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			if req.ID == "" {
				req.ID = NewExecutionID()
			}
			return next.Execute(ctx, req)
		})
	}
}

// NewRequestID returns a new random request ID.
func NewRequestID() string {
	return uuid.NewString()
}

// NewExecutionID returns a new execution ID.
func NewExecutionID() string {
	return uuid.NewString()
}
