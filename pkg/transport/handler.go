package transport

import (
	"context"
	"time"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/audit"
	"github.com/rhuss/kapsel/pkg/sandbox"
)

// Executor runs a single execution. Validation failures are returned
// synchronously as *api.APIError; everything after that is reported on
// the event channel, which ends with exactly one terminal event and is
// then closed. Cancelling ctx cancels the execution.
type Executor interface {
	Execute(ctx context.Context, req api.ExecuteRequest) (<-chan api.Event, error)
}

// ExecutorFunc is an adapter that allows using an ordinary function as an
// Executor.
type ExecutorFunc func(ctx context.Context, req api.ExecuteRequest) (<-chan api.Event, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req api.ExecuteRequest) (<-chan api.Event, error) {
	return f(ctx, req)
}

// RecordStore is the read side of the audit store.
type RecordStore interface {
	Get(ctx context.Context, id string) (*audit.Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*audit.Record, error)
	HealthCheck(ctx context.Context) error
}

// PoolInspector exposes a snapshot of the worker pool.
type PoolInspector interface {
	Stats() sandbox.Stats
}

// ExecutionRecord is the client-visible view of an audit record. Internal
// error text and worker stderr are never exposed.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Outcome    string    `json:"outcome"`
	EventCount int       `json:"event_count"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// NewExecutionRecord converts an audit record to its client view.
func NewExecutionRecord(rec *audit.Record) ExecutionRecord {
	return ExecutionRecord{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Outcome:    string(rec.Outcome),
		EventCount: rec.EventCount,
		StartedAt:  rec.StartedAt,
		DurationMS: rec.Duration.Milliseconds(),
	}
}

// ExecutionList holds a user's recent executions, newest first.
type ExecutionList struct {
	Object string            `json:"object"`
	Data   []ExecutionRecord `json:"data"`
}

// EventWriter abstracts the streaming output for one execution.
//
// Calling WriteEvent after a terminal event (completed or error) returns
// an error.
type EventWriter interface {
	// WriteEvent sends a single event.
	WriteEvent(ctx context.Context, event api.Event) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}
