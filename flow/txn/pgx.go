package txn

import (
	"context"

	"github.com/flowforge/flowcore/flow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGXScope is a flow.TransactionalScope over pgxpool.Pool, for the
// PostgresStore adapter.
type PGXScope struct {
	pool *pgxpool.Pool
}

// NewPGXScope wraps an already-open *pgxpool.Pool.
func NewPGXScope(pool *pgxpool.Pool) *PGXScope {
	return &PGXScope{pool: pool}
}

// Begin implements flow.TransactionalScope.
func (s *PGXScope) Begin(ctx context.Context) (flow.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

// pgxTx adapts pgx.Tx to flow.Tx.
type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// PGXRawTx returns the underlying pgx.Tx, for store adapters that want to
// execute statements inside the active transaction instead of against
// their own pooled connection.
func (t *pgxTx) PGXRawTx() pgx.Tx { return t.tx }

// PGXRawTxFromContext retrieves the live pgx.Tx from ctx, if the active
// flow.Tx was opened by a PGXScope.
func PGXRawTxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := flow.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	raw, ok := tx.(interface{ PGXRawTx() pgx.Tx })
	if !ok {
		return nil, false
	}
	return raw.PGXRawTx(), true
}
