package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowforge/flowcore/flow"
)

// newCheckpoint builds a minimal, valid Checkpoint for id at num_commits,
// shared by every adapter's test suite so the contract below is exercised
// identically against MemoryStore, SQLiteStore, MySQLStore, and
// PostgresStore.
func newCheckpoint(id flow.FlowId, numCommits uint64, status flow.Status) flow.Checkpoint {
	return flow.Checkpoint{
		Id: id,
		InvocationContext: flow.InvocationContext{
			StartedBy:     "tester",
			StartedAt:     time.Unix(1700000000, 0).UTC(),
			FlowClassName: "ExampleFlow",
			Args:          flow.Payload(`{"x":1}`),
		},
		FlowState: flow.UnstartedState{Args: flow.Payload(`{"x":1}`)},
		CheckpointState: flow.CheckpointState{
			Sessions:   flow.SessionTable{},
			NumCommits: numCommits,
		},
		ErrorState: flow.ErrorState{},
		Status:     status,
	}
}

// checkpointStore is the subset of flow.CheckpointStore exercised by the
// shared contract test; every adapter satisfies flow.CheckpointStore itself,
// this alias just documents the cross-adapter contract under test.
type checkpointStore = flow.CheckpointStore

// exerciseCheckpointStoreContract runs the behavioral contract every
// flow.CheckpointStore adapter must satisfy (spec.md §6, invariant 6):
// round-trip get/upsert, stale-commit rejection, status filtering, removal,
// and retained-result lookup. Each adapter's own _test.go file calls this
// against a freshly constructed instance.
func exerciseCheckpointStoreContract(t *testing.T, newStore func(t *testing.T) checkpointStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing returns ErrFlowNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, flow.NewFlowId())
		if !errors.Is(err, flow.ErrFlowNotFound) {
			t.Fatalf("expected ErrFlowNotFound, got %v", err)
		}
	})

	t.Run("upsert then get round-trips", func(t *testing.T) {
		s := newStore(t)
		id := flow.NewFlowId()
		cp := newCheckpoint(id, 1, flow.StatusRunnable)
		if err := s.Upsert(ctx, cp); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Id != id {
			t.Errorf("Id not preserved: %s != %s", got.Id, id)
		}
		if got.CheckpointState.NumCommits != 1 {
			t.Errorf("NumCommits not preserved: %d", got.CheckpointState.NumCommits)
		}
		if got.InvocationContext.FlowClassName != "ExampleFlow" {
			t.Errorf("FlowClassName not preserved: %q", got.InvocationContext.FlowClassName)
		}
	})

	t.Run("stale NumCommits rejected", func(t *testing.T) {
		s := newStore(t)
		id := flow.NewFlowId()
		if err := s.Upsert(ctx, newCheckpoint(id, 5, flow.StatusRunnable)); err != nil {
			t.Fatalf("initial upsert: %v", err)
		}
		err := s.Upsert(ctx, newCheckpoint(id, 5, flow.StatusRunnable))
		if !errors.Is(err, flow.ErrStaleCheckpoint) {
			t.Fatalf("expected ErrStaleCheckpoint for equal NumCommits, got %v", err)
		}
		err = s.Upsert(ctx, newCheckpoint(id, 4, flow.StatusRunnable))
		if !errors.Is(err, flow.ErrStaleCheckpoint) {
			t.Fatalf("expected ErrStaleCheckpoint for lower NumCommits, got %v", err)
		}
		if err := s.Upsert(ctx, newCheckpoint(id, 6, flow.StatusRunnable)); err != nil {
			t.Fatalf("advancing upsert should succeed: %v", err)
		}
	})

	t.Run("UpdateStatus then List by status", func(t *testing.T) {
		s := newStore(t)
		id := flow.NewFlowId()
		if err := s.Upsert(ctx, newCheckpoint(id, 1, flow.StatusRunnable)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := s.UpdateStatus(ctx, id, flow.StatusHospitalized); err != nil {
			t.Fatalf("update status: %v", err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != flow.StatusHospitalized {
			t.Errorf("status not updated: %s", got.Status)
		}

		list, err := s.List(ctx, flow.StatusHospitalized)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		found := false
		for _, cp := range list {
			if cp.Id == id {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s in hospitalized list, got %d entries", id, len(list))
		}

		if err := s.UpdateStatus(ctx, flow.NewFlowId(), flow.StatusRunnable); !errors.Is(err, flow.ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound for unknown id, got %v", err)
		}
	})

	t.Run("Remove without client id drops the row and no result survives", func(t *testing.T) {
		s := newStore(t)
		id := flow.NewFlowId()
		cp := newCheckpoint(id, 1, flow.StatusFailed)
		cp.FlowState = flow.FinishedState{Result: flow.FinishOutcome{Orderly: false}}
		if err := s.Upsert(ctx, cp); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := s.Remove(ctx, id, false); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, flow.ErrFlowNotFound) {
			t.Errorf("expected removed checkpoint to be gone, got %v", err)
		}
	})

	t.Run("Remove with client id retains the result", func(t *testing.T) {
		s := newStore(t)
		id := flow.NewFlowId()
		cp := newCheckpoint(id, 1, flow.StatusFailed)
		cp.InvocationContext.ClientId = "client-123"
		cp.FlowState = flow.FinishedState{Result: flow.FinishOutcome{
			Orderly: false,
			Errors:  []flow.FlowError{flow.NewFlowError(&flow.FlowException{Code: "boom", Message: "nope"})},
		}}
		if err := s.Upsert(ctx, cp); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := s.Remove(ctx, id, true); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, flow.ErrFlowNotFound) {
			t.Errorf("expected removed checkpoint to be gone, got %v", err)
		}
		outcome, err := s.Result(ctx, "client-123")
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if outcome.Orderly {
			t.Error("expected retained outcome to be an ErrorFinish")
		}
		if len(outcome.Errors) != 1 || outcome.Errors[0].ExceptionMessage != "nope" {
			t.Errorf("retained result errors not preserved: %+v", outcome.Errors)
		}
	})

	t.Run("Result for unknown client id returns ErrFlowNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Result(ctx, "no-such-client"); !errors.Is(err, flow.ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound, got %v", err)
		}
	})
}
