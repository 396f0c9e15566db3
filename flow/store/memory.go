// Package store provides CheckpointStore implementations backing the
// durable flow engine (flow.CheckpointStore, named in spec.md §6):
// an in-memory store for tests, and SQL-backed stores for production.
package store

import (
	"context"
	"sync"

	"github.com/flowforge/flowcore/flow"
)

// MemoryStore is an in-memory flow.CheckpointStore, the engine's
// equivalent of the teacher's in-memory graph store used in unit tests:
// no durability across process restarts, but the same optimistic-replace
// and retention semantics a real adapter must honor.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[flow.FlowId]flow.Checkpoint
	results     map[string]flow.FinishOutcome
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[flow.FlowId]flow.Checkpoint),
		results:     make(map[string]flow.FinishOutcome),
	}
}

// Get implements flow.CheckpointStore.
func (s *MemoryStore) Get(_ context.Context, id flow.FlowId) (flow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return flow.Checkpoint{}, flow.ErrFlowNotFound
	}
	return cp, nil
}

// Upsert implements flow.CheckpointStore, rejecting a NumCommits that does
// not strictly exceed the stored value (invariant 6).
func (s *MemoryStore) Upsert(_ context.Context, cp flow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.checkpoints[cp.Id]; ok && cp.CheckpointState.NumCommits <= existing.CheckpointState.NumCommits {
		return flow.ErrStaleCheckpoint
	}
	s.checkpoints[cp.Id] = cp
	return nil
}

// Remove implements flow.CheckpointStore. When mayHavePersistentResults is
// true, the flow's terminal outcome is kept in the results table, indexed
// by client id, so Result can still answer it after the row is gone.
func (s *MemoryStore) Remove(_ context.Context, id flow.FlowId, mayHavePersistentResults bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil
	}
	if mayHavePersistentResults && cp.InvocationContext.ClientId != "" {
		if fin, ok := cp.FlowState.(flow.FinishedState); ok {
			s.results[cp.InvocationContext.ClientId] = fin.Result
		}
	}
	delete(s.checkpoints, id)
	return nil
}

// UpdateStatus implements flow.CheckpointStore.
func (s *MemoryStore) UpdateStatus(_ context.Context, id flow.FlowId, status flow.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return flow.ErrFlowNotFound
	}
	cp.Status = status
	s.checkpoints[id] = cp
	return nil
}

// List implements flow.CheckpointStore.
func (s *MemoryStore) List(_ context.Context, status flow.Status) ([]flow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []flow.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Status == status {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Result implements flow.CheckpointStore.
func (s *MemoryStore) Result(_ context.Context, clientId string) (flow.FinishOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.results[clientId]
	if !ok {
		return flow.FinishOutcome{}, flow.ErrFlowNotFound
	}
	return outcome, nil
}
