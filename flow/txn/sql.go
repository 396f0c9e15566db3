// Package txn implements flow.TransactionalScope, the scoped
// transaction-manager collaborator named in §6: acquired per engine entry
// point and threaded through context.Context rather than stashed in a
// global, per the source's "replace thread-local with scoped acquisition"
// design note.
package txn

import (
	"context"
	"database/sql"

	"github.com/flowforge/flowcore/flow"
)

// SQLScope is a flow.TransactionalScope over database/sql, for the
// SQLiteStore/MySQLStore adapters.
type SQLScope struct {
	db *sql.DB
}

// NewSQLScope wraps an already-open *sql.DB.
func NewSQLScope(db *sql.DB) *SQLScope {
	return &SQLScope{db: db}
}

// Begin implements flow.TransactionalScope.
func (s *SQLScope) Begin(ctx context.Context) (flow.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// sqlTx adapts *sql.Tx to flow.Tx. Store adapters that want to execute
// inside the engine's transaction retrieve it via flow.TxFromContext and
// type-assert to SQLRawTx.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// SQLRawTx returns the underlying *sql.Tx, for store adapters that want to
// execute statements inside the active transaction instead of against
// their own pooled connection.
func (t *sqlTx) SQLRawTx() *sql.Tx { return t.tx }

// SQLRawTxFromContext retrieves the live *sql.Tx from ctx, if the active
// flow.Tx was opened by an SQLScope.
func SQLRawTxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := flow.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	raw, ok := tx.(interface{ SQLRawTx() *sql.Tx })
	if !ok {
		return nil, false
	}
	return raw.SQLRawTx(), true
}
