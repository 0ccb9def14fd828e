// Package memory provides an in-memory audit.Store for tests and
// single-instance deployments. Records are lost when the process restarts.
// An optional size limit evicts the oldest records first.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/rhuss/kapsel/pkg/audit"
)

type entry struct {
	rec  *audit.Record
	elem *list.Element // position in insertion order
}

// Store is an in-memory audit.Store with optional bounded size.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // front = newest, back = oldest
	maxSize int        // 0 = unlimited
}

// Ensure Store implements audit.Store at compile time.
var _ audit.Store = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Save stores a copy of rec.
func (s *Store) Save(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ID]; exists {
		return audit.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	cp := *rec
	s.entries[rec.ID] = &entry{rec: &cp, elem: s.order.PushFront(rec.ID)}
	return nil
}

// Get returns a copy of the record with the given ID.
func (s *Store) Get(_ context.Context, id string) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, audit.ErrNotFound
	}
	cp := *e.rec
	return &cp, nil
}

// ListByUser returns the newest records of userID.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Record
	for _, e := range s.entries {
		if e.rec.UserID != userID {
			continue
		}
		cp := *e.rec
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the oldest entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.order.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.order.Remove(back)
	delete(s.entries, id)
}
