package txn_test

import (
	"testing"

	"github.com/flowforge/flowcore/flow/txn"
)

func TestMemoryScope_TracksCommitAndRollback(t *testing.T) {
	s := txn.NewMemoryScope()

	tx1, err := s.Begin(t.Context())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx1.Commit(t.Context()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, err := s.Begin(t.Context())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx2.Rollback(t.Context()); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if s.Opened() != 2 {
		t.Errorf("Opened() = %d, want 2", s.Opened())
	}
	if s.Committed() != 1 {
		t.Errorf("Committed() = %d, want 1", s.Committed())
	}
	if s.RolledBack() != 1 {
		t.Errorf("RolledBack() = %d, want 1", s.RolledBack())
	}
}
