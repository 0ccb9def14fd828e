package audit

import (
	"context"
	"time"
)

// Outcome is how an execution ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeFailed        Outcome = "failed"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeCrashed       Outcome = "crashed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeSpawnFailed   Outcome = "spawn_failed"
	OutcomePoolExhausted Outcome = "pool_exhausted"
	OutcomeUnavailable   Outcome = "unavailable"
)

// Record is the audit entry of one execution.
type Record struct {
	// ID is the execution's correlation id.
	ID        string
	UserID    string
	SessionID string
	WorkerID  string

	Outcome   Outcome
	ErrorKind string
	// Error is the internal error text.
	Error      string
	StderrTail string
	EventCount int

	StartedAt time.Time
	Duration  time.Duration
}

// Store persists audit records.
type Store interface {
	// Save stores a record. It returns ErrConflict if the ID exists.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// ListByUser returns up to limit records of a user, newest first.
	// A limit <= 0 selects DefaultListLimit.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// DefaultListLimit is used when ListByUser is called without a limit.
const DefaultListLimit = 50
