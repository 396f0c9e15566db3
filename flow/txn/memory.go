package txn

import (
	"context"
	"sync/atomic"

	"github.com/flowforge/flowcore/flow"
)

// MemoryScope is a no-op flow.TransactionalScope for tests and for the
// in-memory CheckpointStore, which has no real transaction to join.
type MemoryScope struct {
	opened   atomic.Int64
	closed   atomic.Int64
	rolledBk atomic.Int64
}

// NewMemoryScope returns a ready-to-use MemoryScope.
func NewMemoryScope() *MemoryScope {
	return &MemoryScope{}
}

// Begin implements flow.TransactionalScope.
func (s *MemoryScope) Begin(ctx context.Context) (flow.Tx, error) {
	s.opened.Add(1)
	return &memoryTx{scope: s}, nil
}

// Opened reports how many transactions have been opened.
func (s *MemoryScope) Opened() int64 { return s.opened.Load() }

// Committed reports how many transactions have committed.
func (s *MemoryScope) Committed() int64 { return s.closed.Load() }

// RolledBack reports how many transactions were rolled back.
func (s *MemoryScope) RolledBack() int64 { return s.rolledBk.Load() }

type memoryTx struct {
	scope *MemoryScope
}

func (t *memoryTx) Commit(ctx context.Context) error {
	t.scope.closed.Add(1)
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.scope.rolledBk.Add(1)
	return nil
}
