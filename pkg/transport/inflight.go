package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks running executions for explicit cancellation.
// It maps execution IDs to their owner and cancel function, allowing a
// DELETE request to cancel a stream that is still in progress.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]inflightEntry
}

type inflightEntry struct {
	userID string
	cancel context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]inflightEntry),
	}
}

// Register adds a running execution. It returns false if the ID is
// already registered.
func (r *InFlightRegistry) Register(id, userID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return false
	}
	r.entries[id] = inflightEntry{userID: userID, cancel: cancel}
	return true
}

// Cancel cancels a running execution owned by userID. Returns false if
// no such execution is registered; executions of other users are treated
// as unknown.
func (r *InFlightRegistry) Cancel(id, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.userID != userID {
		return false
	}
	e.cancel()
	delete(r.entries, id)
	return true
}

// Remove removes an execution from the registry without cancelling it.
// Called when a stream completes normally.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of running executions.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
