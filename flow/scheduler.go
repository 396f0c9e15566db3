package flow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowforge/flowcore/flow/emit"
	"github.com/sirupsen/logrus"
)

// flowActor is the scheduler's unit of "a flow never runs on two workers
// simultaneously" (§5): a mutex-guarded event queue plus the in-memory
// mirror of the flow's last-committed checkpoint. Exactly one goroutine
// ever drains a given actor's queue at a time; Engine.Deliver spawns that
// goroutine only when the actor is not already running.
type flowActor struct {
	id FlowId

	mu      sync.Mutex
	cp      Checkpoint
	queue   []Event
	running bool
	removed bool
}

// Engine is the scheduler named throughout §5: it owns the arena of live
// flowActors and the session-id -> flow-id routing table, drives each
// actor's event queue through the interceptor-wrapped Transition and the
// Executor, and dispatches FlowFunc.Step on every Start/Resume
// continuation. Ported in shape from the teacher's graph.Engine
// (graph/engine.go) — functional options, an interceptor chain, optional
// Prometheus metrics, an emit.Emitter for observability — generalized
// from driving node execution to driving durable flow fibers.
type Engine struct {
	store     CheckpointStore
	bus       MessageBus
	timers    TimerService
	async     AsyncOpRunner
	scope     TransactionalScope
	hospital  FlowHospital
	flowFuncs FlowFuncRegistry

	exec       *Executor
	transition TransitionFunc
	tc         TransitionContext
	history    *HistoryRecorder
	metrics    *Metrics
	emitter    emit.Emitter
	logger     *logrus.Logger
	cfg        engineConfig

	mu           sync.Mutex
	flows        map[FlowId]*flowActor
	sessionRoute map[SessionId]FlowId
	liveTx       map[FlowId]Tx
	timerTokens  map[FlowId]string

	sem chan struct{}
}

// NewEngine wires store, bus, and the other collaborators named in §6 into
// a running scheduler. The HistoryRecorder is always the outermost
// interceptor; interceptors given with WithInterceptors run inside it, in
// the order given.
func NewEngine(
	store CheckpointStore,
	bus MessageBus,
	timers TimerService,
	async AsyncOpRunner,
	scope TransactionalScope,
	hospital FlowHospital,
	flowFuncs FlowFuncRegistry,
	opts ...Option,
) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	history := NewHistoryRecorder(cfg.historyLimit, cfg.emitter)
	interceptors := append([]Interceptor{history.Intercept}, cfg.interceptors...)

	e := &Engine{
		store:        store,
		bus:          bus,
		timers:       timers,
		async:        async,
		scope:        scope,
		hospital:     hospital,
		flowFuncs:    flowFuncs,
		tc:           NewSystemTransitionContext(),
		history:      history,
		metrics:      cfg.metrics,
		emitter:      cfg.emitter,
		logger:       cfg.logger,
		cfg:          cfg,
		flows:        make(map[FlowId]*flowActor),
		sessionRoute: make(map[SessionId]FlowId),
		liveTx:       make(map[FlowId]Tx),
		timerTokens:  make(map[FlowId]string),
		sem:          make(chan struct{}, cfg.maxConcurrent),
	}
	e.transition = Chain(Transition, interceptors...)
	e.exec = &Executor{
		Store:    store,
		Bus:      bus,
		Timers:   timers,
		Async:    async,
		Scope:    scope,
		Hospital: hospital,
		Registry: e,
	}
	return e
}

// StartFlow admits a brand-new flow: it persists the Unstarted checkpoint,
// registers the actor, and feeds StartEvent to kick the fiber off.
func (e *Engine) StartFlow(ctx context.Context, flowClassName string, args Payload, startedBy, clientId string) (FlowId, error) {
	id := NewFlowId()
	cp := Checkpoint{
		Id: id,
		InvocationContext: InvocationContext{
			StartedBy:     startedBy,
			StartedAt:     e.tc.Now(),
			FlowClassName: flowClassName,
			Args:          args,
			ClientId:      clientId,
		},
		FlowState:       UnstartedState{Args: args},
		CheckpointState: CheckpointState{Sessions: SessionTable{}},
		Status:          StatusRunnable,
	}

	if err := e.persistNewCheckpoint(ctx, cp); err != nil {
		return FlowId{}, err
	}

	e.registerActor(id, cp)
	e.logger.WithFields(flowLogFields(id, flowClassName)).Info("flow started")

	if err := e.Deliver(ctx, id, StartEvent{}); err != nil {
		return FlowId{}, err
	}
	return id, nil
}

// AcceptInitialMessage is the receiving side of §4.5's handshake: a peer's
// InitialSessionMessage arrives over the bus, and this mints a fresh flow
// with that one session already Initiated (the receiver knows both
// session ids as soon as it mints its own), sends the ConfirmSession
// reply, and kicks the new fiber off.
func (e *Engine) AcceptInitialMessage(ctx context.Context, body []byte) (FlowId, error) {
	var wire InitialSessionMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return FlowId{}, err
	}
	if _, ok := e.flowFuncs.Lookup(wire.FlowClassName); !ok {
		return FlowId{}, newEngineError("UNKNOWN_FLOW_CLASS", "no FlowFunc registered for class "+wire.FlowClassName)
	}

	id := NewFlowId()
	ourSid := e.tc.NewSessionId()
	cp := Checkpoint{
		Id: id,
		InvocationContext: InvocationContext{
			StartedAt:     e.tc.Now(),
			FlowClassName: wire.FlowClassName,
			Args:          wire.Payload,
		},
		FlowState: UnstartedState{Args: wire.Payload},
		CheckpointState: CheckpointState{
			Sessions: SessionTable{
				ourSid: InitiatedSession{
					OurSessionId:  ourSid,
					PeerSessionId: wire.InitiatorSessionId,
				},
			},
		},
		Status: StatusRunnable,
	}

	if err := e.persistNewCheckpoint(ctx, cp); err != nil {
		return FlowId{}, err
	}

	e.registerActor(id, cp)
	e.mu.Lock()
	e.sessionRoute[ourSid] = id
	e.mu.Unlock()
	e.logger.WithFields(flowLogFields(id, wire.FlowClassName)).
		WithField("peer_session_id", wire.InitiatorSessionId).
		Info("flow accepted inbound session")

	confirm := OutboundMessage{
		SessionId: wire.InitiatorSessionId,
		DedupId:   NewDataDedupId(ourSid, 0),
		Payload:   ConfirmSessionPayload{PeerSessionId: ourSid},
	}
	if err := e.exec.sendExisting(ctx, confirm); err != nil {
		return FlowId{}, err
	}

	if err := e.Deliver(ctx, id, StartEvent{}); err != nil {
		return FlowId{}, err
	}
	return id, nil
}

func (e *Engine) persistNewCheckpoint(ctx context.Context, cp Checkpoint) error {
	tx, err := e.scope.Begin(ctx)
	if err != nil {
		return err
	}
	txCtx := ContextWithTx(ctx, tx)
	if err := e.store.Upsert(txCtx, cp); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (e *Engine) registerActor(id FlowId, cp Checkpoint) {
	a := &flowActor{id: id, cp: cp}
	e.mu.Lock()
	e.flows[id] = a
	active := len(e.flows)
	e.mu.Unlock()
	e.metrics.setActiveFlows(active)
}

// OpenSession asks an already-running flow to initiate a new outbound
// session, the engine-facing wrapper around InitiateFlowEvent (§4.5 step 1).
func (e *Engine) OpenSession(ctx context.Context, id FlowId, destination, flowClassName string, payload Payload) error {
	return e.Deliver(ctx, id, InitiateFlowEvent{Destination: destination, FlowClassName: flowClassName, Payload: payload})
}

// Deliver enqueues ev for id's actor, spawning its drive loop only if the
// actor is not already running — the mechanism behind "a flow never runs
// on two workers simultaneously."
func (e *Engine) Deliver(ctx context.Context, id FlowId, ev Event) error {
	e.mu.Lock()
	a, ok := e.flows[id]
	e.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}

	a.mu.Lock()
	if a.removed {
		a.mu.Unlock()
		return ErrFlowRemoved
	}
	a.queue = append(a.queue, ev)
	spawn := !a.running
	if spawn {
		a.running = true
	}
	a.mu.Unlock()

	if spawn {
		go e.drive(a)
	}
	return nil
}

// drive pumps a's queue to empty, running one transition+execute+
// continuation cycle per event, inside a semaphore-bounded worker slot
// (§5: "a pool of worker threads drives N fibers").
func (e *Engine) drive(a *flowActor) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	ctx := context.Background()
	for {
		a.mu.Lock()
		if a.removed || len(a.queue) == 0 {
			a.running = false
			a.mu.Unlock()
			return
		}
		ev := a.queue[0]
		a.queue = a.queue[1:]
		cp := a.cp
		a.mu.Unlock()

		e.step(ctx, a, cp, ev)
	}
}

// step runs exactly one (checkpoint, event) pair through Transition, the
// Executor, and the fiber continuation it produces.
func (e *Engine) step(ctx context.Context, a *flowActor, cp Checkpoint, ev Event) {
	start := e.tc.Now()
	result, err := e.transition(ctx, e.tc, cp, ev)
	if err != nil {
		e.onTransitionError(a, err)
		return
	}
	e.metrics.observeTransition(ev.Kind(), e.tc.Now().Sub(start).Seconds())

	if err := e.exec.Execute(ctx, result.Actions); err != nil {
		e.onExecuteError(ctx, a, err)
		return
	}
	e.metrics.incCommits()

	a.mu.Lock()
	a.cp = result.NextCheckpoint
	a.mu.Unlock()
	e.syncSessionRoutes(a)

	e.handleContinuation(ctx, a, result)
	e.autoRetriggerPropagation(a)
}

// onTransitionError folds a pure-function failure (a programming error in
// Transition itself, not a user FlowException) back in as an ErrorEvent so
// it flows through the ordinary error-propagation machinery rather than
// silently stalling the fiber.
func (e *Engine) onTransitionError(a *flowActor, err error) {
	e.metrics.incError("internal")
	e.enqueueFront(a, ErrorEvent{Cause: &InternalException{Message: "transition failed", Cause: err}})
	e.kick(a)
}

// onExecuteError is reached when a collaborator call inside Execute faults
// mid-transaction (§7: "Internal errors are retried (bounded) with
// rollback; persistent failure routes the flow to the hospital"). The
// flow hospital's verdict decides what happens next.
func (e *Engine) onExecuteError(ctx context.Context, a *flowActor, err error) {
	e.metrics.incError("internal")
	verdict, herr := e.hospital.Admit(ctx, a.id, e.history.Snapshot(a.id), err)
	if herr != nil {
		verdict = VerdictPause
	}

	switch verdict {
	case VerdictRetryFromSafePoint:
		e.metrics.incRetry("retry")
		e.logger.WithFields(flowLogFields(a.id, "")).WithError(err).Warn("hospital ordered retry from safe point")
		e.enqueueFront(a, RetryFromSafePointEvent{Reason: err})
		e.kick(a)
	case VerdictStartErrorPropagation:
		a.mu.Lock()
		a.cp.ErrorState.Errored = true
		a.cp.ErrorState.Errors = append(a.cp.ErrorState.Errors, NewFlowError(err))
		a.mu.Unlock()
		e.logger.WithFields(flowLogFields(a.id, "")).WithError(err).Warn("hospital ordered error propagation")
		e.enqueueFront(a, StartErrorPropagationEvent{})
		e.kick(a)
	case VerdictKill:
		e.metrics.incRetry("killed")
		e.logger.WithFields(flowLogFields(a.id, "")).WithError(err).Error("hospital ordered kill")
		e.RemoveFlow(a.id, FinishOutcome{Orderly: false, Errors: []FlowError{NewFlowError(err)}})
	default: // VerdictPause
		e.metrics.incRetry("paused")
		a.mu.Lock()
		a.cp.Status = StatusHospitalized
		a.mu.Unlock()
		e.logger.WithFields(flowLogFields(a.id, "")).WithError(err).Error("hospital paused flow")
		e.metrics.incHospitalized()
	}
}

// handleContinuation dispatches the Continuation a successful transition
// produced: resume or invoke the FlowFunc, re-enter the event loop, or
// tear the actor down.
func (e *Engine) handleContinuation(ctx context.Context, a *flowActor, result Result) {
	switch c := result.Continuation.(type) {
	case ProcessEventsContinuation:
		return
	case AbortContinuation:
		a.mu.Lock()
		a.removed = true
		a.mu.Unlock()
	case StartContinuation:
		e.runFlowFunc(ctx, a, nil, c.Args, nil)
	case ResumeContinuation:
		a.mu.Lock()
		started, ok := a.cp.FlowState.(StartedState)
		a.mu.Unlock()
		if !ok {
			return
		}
		e.runFlowFunc(ctx, a, started.CallStack, c.Value, c.Err)
	}
}

// runFlowFunc drives one increment of user flow code and translates the
// StepOutcome it returns into the next Event for this actor: a finished
// result becomes FinishEvent/ErrorEvent, a new suspension point becomes
// SuspendEvent (§4.1.1 "Suspend(reason, newCheckpoint)").
func (e *Engine) runFlowFunc(ctx context.Context, a *flowActor, callStack, resume Payload, resumeErr error) {
	a.mu.Lock()
	className := a.cp.InvocationContext.FlowClassName
	a.mu.Unlock()

	fn, ok := e.flowFuncs.Lookup(className)
	if !ok {
		e.enqueueFront(a, ErrorEvent{Cause: &InternalException{Message: "no FlowFunc registered for class " + className}})
		e.kick(a)
		return
	}

	outcome, err := fn.Step(ctx, callStack, resume, resumeErr)
	if err != nil {
		e.enqueueFront(a, ErrorEvent{Cause: err})
		e.kick(a)
		return
	}

	switch outcome.Kind {
	case StepFinished:
		if outcome.ResultErr != nil {
			e.enqueueFront(a, ErrorEvent{Cause: outcome.ResultErr})
		} else {
			e.enqueueFront(a, FinishEvent{Result: outcome.Result})
		}
	case StepSuspend:
		e.enqueueFront(a, SuspendEvent{
			Reason:           outcome.Reason,
			AwaitingSessions: outcome.AwaitingSessions,
			CallStack:        outcome.CallStack,
		})
	}
	e.kick(a)
}

// autoRetriggerPropagation re-arms StartErrorPropagationEvent whenever a
// commit leaves unpropagated errors behind — both the very first
// propagation round after an uncaught error, and any later error that
// arrives on a flow already mid-propagation (tracked via PropagatedIndex
// rather than the Propagating flag, since Propagating latches true on the
// first round and never resets).
func (e *Engine) autoRetriggerPropagation(a *flowActor) {
	a.mu.Lock()
	cp := a.cp
	a.mu.Unlock()
	if cp.ErrorState.Errored && cp.ErrorState.PropagatedIndex < len(cp.ErrorState.Errors) {
		e.enqueueFront(a, StartErrorPropagationEvent{})
		e.kick(a)
	}
}

// syncSessionRoutes adds routing entries for any session ids this flow's
// checkpoint now carries but the scheduler has not yet indexed (freshly
// minted by transitionInitiateFlow or handleConfirmSession); removal is
// handled exclusively through RemoveSessionBindingsAction/
// RemoveSessionBindings, never here.
func (e *Engine) syncSessionRoutes(a *flowActor) {
	a.mu.Lock()
	sessions := a.cp.CheckpointState.Sessions
	a.mu.Unlock()

	e.mu.Lock()
	for id := range sessions {
		if _, ok := e.sessionRoute[id]; !ok {
			e.sessionRoute[id] = a.id
		}
	}
	e.mu.Unlock()
}

// enqueueFront prepends ev to a's queue, used for internally-generated
// follow-up events (retry, propagation, error) that must run before any
// externally-delivered event still waiting behind them.
func (e *Engine) enqueueFront(a *flowActor, ev Event) {
	a.mu.Lock()
	a.queue = append([]Event{ev}, a.queue...)
	a.mu.Unlock()
}

// kick spawns a's drive loop if nothing is currently running it, needed
// whenever an event is injected from outside the loop that produced it
// (onExecuteError, runFlowFunc's own continuation, autoRetriggerPropagation).
func (e *Engine) kick(a *flowActor) {
	a.mu.Lock()
	if a.removed || a.running || len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()
	go e.drive(a)
}

// PumpOnce receives one message from destination and routes it to the
// flow bound to its session, the scheduler-facing half of the message
// bus described in §6.
func (e *Engine) PumpOnce(ctx context.Context, destination string) error {
	body, handler, err := e.bus.Receive(ctx, destination)
	if err != nil {
		return err
	}

	wire, err := decodeExistingMessage(body)
	if err != nil {
		return err
	}
	payload, err := wire.ToMessagePayload()
	if err != nil {
		return err
	}

	e.mu.Lock()
	id, ok := e.sessionRoute[handler.SessionId]
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return e.Deliver(ctx, id, MessageReceivedEvent{SessionId: handler.SessionId, Payload: payload, Handler: handler})
}

// Run loops PumpOnce against destination until ctx is cancelled, the
// simplest viable transport pump for a single bus destination; production
// deployments typically run one Run per partition/destination.
func (e *Engine) Run(ctx context.Context, destination string) {
	for ctx.Err() == nil {
		if err := e.PumpOnce(ctx, destination); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// TrackTransaction implements FlowRegistry: it records the live Tx the
// Executor opened for id, so later RetryFromSafePoint handling or operator
// inspection can find it.
func (e *Engine) TrackTransaction(id FlowId, tx Tx) {
	e.mu.Lock()
	e.liveTx[id] = tx
	e.mu.Unlock()
}

// RemoveSessionBindings implements FlowRegistry.
func (e *Engine) RemoveSessionBindings(ids []SessionId) {
	e.mu.Lock()
	for _, id := range ids {
		delete(e.sessionRoute, id)
	}
	e.mu.Unlock()
}

// RemoveFlow implements FlowRegistry: it tears down the in-memory actor
// and routing state. The durable outcome itself was already written by the
// PersistCheckpointAction/RemoveCheckpointAction earlier in the same
// action list (§4.2 ordering); RemoveFlow only ever runs last.
func (e *Engine) RemoveFlow(id FlowId, outcome FinishOutcome) {
	e.mu.Lock()
	a, ok := e.flows[id]
	delete(e.flows, id)
	delete(e.liveTx, id)
	token, hasTimer := e.timerTokens[id]
	if hasTimer {
		delete(e.timerTokens, id)
	}
	active := len(e.flows)
	e.mu.Unlock()

	if ok {
		a.mu.Lock()
		a.removed = true
		a.mu.Unlock()
	}
	if hasTimer {
		_ = e.timers.Cancel(context.Background(), token)
	}

	fields := flowLogFields(id, "")
	if outcome.Orderly {
		e.logger.WithFields(fields).Info("flow finished")
	} else {
		e.logger.WithFields(fields).WithField("num_errors", len(outcome.Errors)).Warn("flow finished with errors")
	}

	e.metrics.setActiveFlows(active)
}

// RetryFlowFromSafePoint implements FlowRegistry: it reloads the last
// committed checkpoint (undoing whatever the faulted transaction left in
// memory) and, if the fiber was mid-FlowFunc-call when it faulted, nudges
// user code once more with the call stack it had frozen, the simplest
// rendering of "resume execution from the last committed checkpoint" this
// package's Step-based fiber abstraction supports — an open question the
// source spec leaves to the runtime's own coroutine mechanism.
func (e *Engine) RetryFlowFromSafePoint(id FlowId) {
	e.mu.Lock()
	a, ok := e.flows[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	cp, err := e.store.Get(ctx, id)
	if err != nil {
		return
	}

	a.mu.Lock()
	a.cp = cp
	a.mu.Unlock()

	if started, ok := cp.FlowState.(StartedState); ok && started.Reason == SuspendExplicit {
		e.runFlowFunc(ctx, a, started.CallStack, nil, nil)
	}
}

// TrackTimer implements FlowRegistry.
func (e *Engine) TrackTimer(id FlowId, token string) {
	e.mu.Lock()
	e.timerTokens[id] = token
	e.mu.Unlock()
}

// ResolveTimerToken implements FlowRegistry.
func (e *Engine) ResolveTimerToken(id FlowId) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	token, ok := e.timerTokens[id]
	return token, ok
}
