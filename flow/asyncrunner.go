package flow

import (
	"context"
	"sync"
)

// AsyncOpFunc performs the work named by an ExecuteAsyncOperationAction's
// op payload and returns the result (or error) to surface back to the
// flow as an AsyncOpCompletedEvent.
type AsyncOpFunc func(ctx context.Context, flowId FlowId, op Payload) (Payload, error)

// AsyncOpDeliverFunc delivers a completed async operation's outcome back
// into the engine; callers wire this to Engine.Deliver with an
// AsyncOpCompletedEvent.
type AsyncOpDeliverFunc func(ctx context.Context, flowId FlowId, ev AsyncOpCompletedEvent)

// GoAsyncRunner is an in-process AsyncOpRunner backed by a fixed pool of
// worker goroutines draining a work queue, the same
// WaitGroup-of-N-workers-over-a-channel shape as the teacher engine's node
// worker pool, generalized from graph nodes to arbitrary external
// operations.
type GoAsyncRunner struct {
	fn      AsyncOpFunc
	deliver AsyncOpDeliverFunc

	work chan asyncJob

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type asyncJob struct {
	ctx     context.Context
	flowId  FlowId
	dedupId DedupId
	op      Payload
}

// NewGoAsyncRunner starts workers goroutines (at least 1) that call fn for
// every submitted operation and hand the outcome to deliver.
func NewGoAsyncRunner(workers int, fn AsyncOpFunc, deliver AsyncOpDeliverFunc) *GoAsyncRunner {
	if workers < 1 {
		workers = 1
	}

	r := &GoAsyncRunner{
		fn:      fn,
		deliver: deliver,
		work:    make(chan asyncJob, workers*4),
		done:    make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

func (r *GoAsyncRunner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case job := <-r.work:
			result, err := r.fn(job.ctx, job.flowId, job.op)
			r.deliver(job.ctx, job.flowId, AsyncOpCompletedEvent{
				DedupId: job.dedupId,
				Result:  result,
				Err:     err,
			})
		}
	}
}

// Submit implements AsyncOpRunner.
func (r *GoAsyncRunner) Submit(ctx context.Context, flowId FlowId, dedupId DedupId, op Payload) error {
	select {
	case <-r.done:
		return ErrEngineClosed
	default:
	}

	select {
	case r.work <- asyncJob{ctx: ctx, flowId: flowId, dedupId: dedupId, op: op}:
		return nil
	case <-r.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for in-flight operations to
// finish.
func (r *GoAsyncRunner) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}
