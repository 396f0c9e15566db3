package store_test

import (
	"testing"

	"github.com/flowforge/flowcore/flow"
	"github.com/flowforge/flowcore/flow/store"
)

func TestMemoryStore_Contract(t *testing.T) {
	exerciseCheckpointStoreContract(t, func(t *testing.T) checkpointStore {
		return store.NewMemoryStore()
	})
}

func TestMemoryStore_IndependentInstances(t *testing.T) {
	s1 := store.NewMemoryStore()
	s2 := store.NewMemoryStore()

	id := flow.NewFlowId()
	cp := newCheckpoint(id, 1, flow.StatusRunnable)
	if err := s1.Upsert(t.Context(), cp); err != nil {
		t.Fatalf("upsert into s1: %v", err)
	}
	if _, err := s2.Get(t.Context(), id); err == nil {
		t.Error("expected s2 to be unaffected by writes to s1")
	}
}
