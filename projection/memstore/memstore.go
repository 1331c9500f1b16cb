// Package memstore is the in-process implementation of projection.Store,
// suitable for single-process mode and tests.
package memstore

import (
	"context"
	"sync"

	"github.com/flowcore/runengine/projection"
)

// Store keeps one RunState per run under a single mutex. Snapshots are
// copied in and out so callers never observe a partially-updated struct.
type Store struct {
	mu   sync.Mutex
	byID map[string]projection.RunState
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{byID: make(map[string]projection.RunState)}
}

// Load implements projection.Store.
func (s *Store) Load(_ context.Context, runID string) (projection.RunState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.byID[runID]
	return state, ok, nil
}

// Save implements projection.Store.
func (s *Store) Save(_ context.Context, state projection.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[state.RunID] = state
	return nil
}
