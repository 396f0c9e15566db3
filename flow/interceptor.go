package flow

import "context"

// TransitionFunc is the signature shared by Transition itself and every
// interceptor that wraps it, per §4.4: "(fiber, prevState, event,
// transitionResult, next) -> (continuation, nextState)" generalized to a
// composable func type so a chain is a plain []Interceptor, not reflection.
type TransitionFunc func(ctx context.Context, tc TransitionContext, cp Checkpoint, ev Event) (Result, error)

// Interceptor wraps a TransitionFunc with cross-cutting behaviour
// (diagnostics, hospitalisation, history capture) and must call next to
// continue the chain. Composition is an explicit slice, never reflective,
// per the Design Notes.
type Interceptor func(next TransitionFunc) TransitionFunc

// Chain composes interceptors around a base TransitionFunc, outermost
// first: Chain(base, a, b)(ctx, ...) runs a(b(base)).
func Chain(base TransitionFunc, interceptors ...Interceptor) TransitionFunc {
	wrapped := base
	for i := len(interceptors) - 1; i >= 0; i-- {
		wrapped = interceptors[i](wrapped)
	}
	return wrapped
}
