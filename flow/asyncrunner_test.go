package flow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/flowcore/flow"
)

func TestGoAsyncRunner_DeliversResult(t *testing.T) {
	delivered := make(chan flow.AsyncOpCompletedEvent, 1)

	r := flow.NewGoAsyncRunner(2,
		func(ctx context.Context, flowId flow.FlowId, op flow.Payload) (flow.Payload, error) {
			return flow.Payload(`{"echo":true}`), nil
		},
		func(ctx context.Context, flowId flow.FlowId, ev flow.AsyncOpCompletedEvent) {
			delivered <- ev
		},
	)
	defer r.Close()

	id := flow.NewFlowId()
	dedupId := flow.NewDataDedupId(flow.NewSessionId(), 1)
	if err := r.Submit(t.Context(), id, dedupId, flow.Payload(`{}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-delivered:
		if ev.DedupId != dedupId {
			t.Errorf("DedupId = %v, want %v", ev.DedupId, dedupId)
		}
		if string(ev.Result) != `{"echo":true}` {
			t.Errorf("Result = %s", ev.Result)
		}
		if ev.Err != nil {
			t.Errorf("Err = %v, want nil", ev.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("result was never delivered")
	}
}

func TestGoAsyncRunner_DeliversError(t *testing.T) {
	delivered := make(chan flow.AsyncOpCompletedEvent, 1)
	wantErr := errors.New("boom")

	r := flow.NewGoAsyncRunner(1,
		func(ctx context.Context, flowId flow.FlowId, op flow.Payload) (flow.Payload, error) {
			return nil, wantErr
		},
		func(ctx context.Context, flowId flow.FlowId, ev flow.AsyncOpCompletedEvent) {
			delivered <- ev
		},
	)
	defer r.Close()

	id := flow.NewFlowId()
	dedupId := flow.NewDataDedupId(flow.NewSessionId(), 1)
	if err := r.Submit(t.Context(), id, dedupId, flow.Payload(`{}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ev := <-delivered:
		if !errors.Is(ev.Err, wantErr) {
			t.Errorf("Err = %v, want %v", ev.Err, wantErr)
		}
	case <-time.After(time.Second):
		t.Fatal("result was never delivered")
	}
}

func TestGoAsyncRunner_ProcessesConcurrently(t *testing.T) {
	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)

	r := flow.NewGoAsyncRunner(n,
		func(ctx context.Context, flowId flow.FlowId, op flow.Payload) (flow.Payload, error) {
			time.Sleep(20 * time.Millisecond)
			return nil, nil
		},
		func(ctx context.Context, flowId flow.FlowId, ev flow.AsyncOpCompletedEvent) {
			wg.Done()
		},
	)
	defer r.Close()

	id := flow.NewFlowId()
	start := time.Now()
	for i := 0; i < n; i++ {
		dedupId := flow.NewDataDedupId(flow.NewSessionId(), uint64(i))
		if err := r.Submit(t.Context(), id, dedupId, flow.Payload(`{}`)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all jobs completed")
	}

	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("jobs took %v, suggesting they ran serially rather than concurrently", elapsed)
	}
}

func TestGoAsyncRunner_SubmitAfterCloseFails(t *testing.T) {
	r := flow.NewGoAsyncRunner(1,
		func(ctx context.Context, flowId flow.FlowId, op flow.Payload) (flow.Payload, error) {
			return nil, nil
		},
		func(ctx context.Context, flowId flow.FlowId, ev flow.AsyncOpCompletedEvent) {},
	)
	r.Close()

	id := flow.NewFlowId()
	dedupId := flow.NewDataDedupId(flow.NewSessionId(), 1)
	err := r.Submit(t.Context(), id, dedupId, flow.Payload(`{}`))
	if !errors.Is(err, flow.ErrEngineClosed) {
		t.Errorf("Submit after Close: err = %v, want %v", err, flow.ErrEngineClosed)
	}
}
