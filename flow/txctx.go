package flow

import "context"

// txContextKey carries the active Tx opened by CreateTransactionAction
// through to whichever collaborator (store, dedup log) needs to execute
// inside it. The executor is the only writer; store adapters are readers.
type txContextKey struct{}

// ContextWithTx returns a context carrying tx, for the span between a
// CreateTransactionAction and its matching Commit/RollbackTransactionAction.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the Tx stashed by ContextWithTx, if any. Store
// adapters that want to participate in the engine's transaction (rather
// than auto-committing each statement) use this to find the live Tx and
// type-assert it to their driver-specific raw-handle interface.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(Tx)
	return tx, ok
}

// noDBAccessKey marks a context as forbidden from touching the database,
// the Go rendering of the source's "withoutDatabaseAccess" thread-local
// guard (§5), replaced here with explicit scoped context per the Design
// Notes rather than an implicit thread-local.
type noDBAccessKey struct{}

// WithNoDBAccess returns a context under which the Executor rejects
// persistence actions with ErrDatabaseAccessForbidden, for guarding
// deterministic sections (e.g. Transition itself) against stray I/O.
// CheckpointStore and Tx adapters called directly do not check it.
func WithNoDBAccess(ctx context.Context) context.Context {
	return context.WithValue(ctx, noDBAccessKey{}, true)
}

// DBAccessForbidden reports whether ctx was marked by WithNoDBAccess.
func DBAccessForbidden(ctx context.Context) bool {
	v, _ := ctx.Value(noDBAccessKey{}).(bool)
	return v
}
