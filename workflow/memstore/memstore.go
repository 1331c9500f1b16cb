// Package memstore is the in-process implementation of workflow.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/flowcore/runengine/workflow"
)

// Store keeps one workflow.State per run under a single mutex.
type Store struct {
	mu   sync.Mutex
	byID map[string]workflow.State
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{byID: make(map[string]workflow.State)}
}

// Load implements workflow.Store.
func (s *Store) Load(_ context.Context, runID string) (workflow.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.byID[runID]
	return state, ok, nil
}

// Save implements workflow.Store.
func (s *Store) Save(_ context.Context, state workflow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[state.RunID] = state
	return nil
}

// ListIncomplete implements workflow.Store.
func (s *Store) ListIncomplete(_ context.Context) ([]workflow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.State, 0)
	for _, st := range s.byID {
		if st.Status != workflow.StatusCompleted && st.Status != workflow.StatusFailed {
			out = append(out, st)
		}
	}
	return out, nil
}
