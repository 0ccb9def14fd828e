package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/kapsel/pkg/ipc"
)

// Sentinel errors returned by the sandbox package.
var (
	// ErrSpawn indicates a worker process could not be started.
	ErrSpawn = errors.New("sandbox: worker failed to start")

	// ErrWorkerBusy indicates a second Send on a worker with a request in flight.
	ErrWorkerBusy = errors.New("sandbox: worker busy")

	// ErrWorkerCrashed indicates the worker exited or its pipe closed
	// before a terminal response.
	ErrWorkerCrashed = errors.New("sandbox: worker crashed")

	// ErrTimeout indicates no terminal response arrived within the deadline.
	ErrTimeout = errors.New("sandbox: request timed out")

	// ErrPoolExhausted indicates no worker became available within the
	// acquire timeout. Callers may retry.
	ErrPoolExhausted = errors.New("sandbox: no worker available")

	// ErrPoolClosed indicates the pool is shutting down.
	ErrPoolClosed = errors.New("sandbox: pool closed")

	// ErrInvalidUserID indicates a user id that cannot name a sandbox root.
	ErrInvalidUserID = errors.New("sandbox: invalid user id")
)

// SpawnError is returned when a worker fails to start.
// It wraps ErrSpawn so that errors.Is(err, ErrSpawn) works.
type SpawnError struct {
	UserID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: user %s: %v", ErrSpawn.Error(), e.UserID, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// CrashedError is delivered when a worker dies with a request in flight.
// It wraps ErrWorkerCrashed.
type CrashedError struct {
	WorkerID string
	// Status is the process exit status as reported by the OS,
	// for example "exit status 3" or "signal: killed".
	Status   string
	ExitCode int
	// Stderr is the tail of the worker's stderr. It is kept server side
	// and never sent to clients.
	Stderr string
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("%s: worker %s: %s", ErrWorkerCrashed.Error(), e.WorkerID, e.Status)
}

func (e *CrashedError) Unwrap() error {
	return ErrWorkerCrashed
}

// TimeoutError is delivered when a request's deadline passes before its
// terminal response. The worker is killed. It wraps ErrTimeout.
type TimeoutError struct {
	WorkerID string
	After    time.Duration
	Stderr   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: worker %s after %s", ErrTimeout.Error(), e.WorkerID, e.After.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ErrorKind maps an error to a stable label used in logs, metrics, and
// audit records.
func ErrorKind(err error) string {
	var rpcErr *ipc.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSpawn):
		return "spawn_failed"
	case errors.Is(err, ErrWorkerBusy):
		return "busy"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWorkerCrashed):
		return "crashed"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, ErrInvalidUserID):
		return "invalid_user"
	case errors.Is(err, ipc.ErrDecode):
		return "decode"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.As(err, &rpcErr):
		if rpcErr.Code == ipc.CodeCancelled {
			return "cancelled"
		}
		return "runtime_error"
	default:
		return "internal"
	}
}

// Retryable reports whether a caller may reasonably retry after err.
// Only capacity problems qualify: crashes and timeouts may be caused by
// the input itself.
func Retryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}
