// Package memory implements the run catalog in process memory. The SQL
// backends embed it and persist its records after every change.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"bayesfitness/internal/catalog/core"
)

// Store is a mutex-guarded map of run records.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]core.Record
}

var _ core.Store = (*Store)(nil)

// NewStore returns an empty in-memory catalog.
func NewStore() *Store {
	return &Store{records: make(map[uuid.UUID]core.Record)}
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Add implements core.Store.
func (s *Store) Add(_ context.Context, r core.Record) error {
	if r.RunID == uuid.Nil {
		return fmt.Errorf("catalog: record %q has no run id", r.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.RunID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicate, r.RunID)
	}
	s.records[r.RunID] = r
	return nil
}

// Get implements core.Store.
func (s *Store) Get(_ context.Context, id uuid.UUID) (core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return core.Record{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return r, nil
}

// List implements core.Store. Records are ordered by creation time, then name.
func (s *Store) List(_ context.Context, f core.Filter) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Close implements core.Store.
func (s *Store) Close() error { return nil }

// Import replaces the store contents with records.
func (s *Store) Import(records []core.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[uuid.UUID]core.Record, len(records))
	for _, r := range records {
		s.records[r.RunID] = r
	}
}

// Remove deletes a record. The SQL backends use it to undo an Add whose
// write to the database failed.
func (s *Store) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}
