package audit

import "errors"

// Sentinel errors for audit store operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("audit record not found")

	// ErrConflict is returned when a record with the given ID already exists.
	ErrConflict = errors.New("audit record already exists")
)
