package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowforge/flowcore/flow"
	"github.com/flowforge/flowcore/flow/txn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxExecer is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method below run against whichever is live for the request: the
// engine's transaction when CreateTransactionAction has opened one (via
// txn.PGXRawTxFromContext), or the store's own pool otherwise.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) execer(ctx context.Context) pgxExecer {
	if tx, ok := txn.PGXRawTxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

// PostgresStore is a jackc/pgx-backed flow.CheckpointStore, the pool-scale
// production adapter alongside MySQLStore: same checkpoints/results schema
// and num_commits optimistic-replace discipline, driven through pgxpool
// instead of database/sql since pgx is the corpus's Postgres driver of
// choice (jordigilh-kubernaut's go.mod) rather than database/sql's
// lib/pq-style generic interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against dsn and migrates the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("flow/store: ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			num_commits BIGINT NOT NULL,
			status TEXT NOT NULL,
			body JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, checkpoints); err != nil {
		return fmt.Errorf("flow/store: create checkpoints table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status)`); err != nil {
		return fmt.Errorf("flow/store: create idx_checkpoints_status: %w", err)
	}

	results := `
		CREATE TABLE IF NOT EXISTS results (
			client_id TEXT PRIMARY KEY,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.pool.Exec(ctx, results); err != nil {
		return fmt.Errorf("flow/store: create results table: %w", err)
	}
	return nil
}

// Get implements flow.CheckpointStore.
func (s *PostgresStore) Get(ctx context.Context, id flow.FlowId) (flow.Checkpoint, error) {
	var body []byte
	err := s.execer(ctx).QueryRow(ctx, `SELECT body FROM checkpoints WHERE id = $1`, id.String()).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.Checkpoint{}, flow.ErrFlowNotFound
	}
	if err != nil {
		return flow.Checkpoint{}, fmt.Errorf("flow/store: get checkpoint: %w", err)
	}
	var cp flow.Checkpoint
	if err := cp.UnmarshalJSON(body); err != nil {
		return flow.Checkpoint{}, fmt.Errorf("flow/store: decode checkpoint: %w", err)
	}
	return cp, nil
}

// Upsert implements flow.CheckpointStore, rejecting a stale NumCommits
// (invariant 6) via a conditional UPDATE guarded by WHERE, same trick as
// SQLiteStore.
func (s *PostgresStore) Upsert(ctx context.Context, cp flow.Checkpoint) error {
	body, err := cp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("flow/store: encode checkpoint: %w", err)
	}

	tag, err := s.execer(ctx).Exec(ctx, `
		INSERT INTO checkpoints (id, num_commits, status, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			num_commits = excluded.num_commits,
			status = excluded.status,
			body = excluded.body,
			updated_at = now()
		WHERE excluded.num_commits > checkpoints.num_commits
	`, cp.Id.String(), int64(cp.CheckpointState.NumCommits), string(cp.Status), body)
	if err != nil {
		return fmt.Errorf("flow/store: upsert checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		qerr := s.execer(ctx).QueryRow(ctx, `SELECT true FROM checkpoints WHERE id = $1`, cp.Id.String()).Scan(&exists)
		if errors.Is(qerr, pgx.ErrNoRows) {
			return nil
		}
		return flow.ErrStaleCheckpoint
	}
	return nil
}

// Remove implements flow.CheckpointStore.
func (s *PostgresStore) Remove(ctx context.Context, id flow.FlowId, mayHavePersistentResults bool) error {
	if mayHavePersistentResults {
		cp, err := s.Get(ctx, id)
		if err == nil {
			if fin, ok := cp.FlowState.(flow.FinishedState); ok && cp.InvocationContext.ClientId != "" {
				body, merr := json.Marshal(fin.Result)
				if merr == nil {
					if _, err := s.execer(ctx).Exec(ctx, `
						INSERT INTO results (client_id, body) VALUES ($1, $2)
						ON CONFLICT (client_id) DO UPDATE SET body = excluded.body
					`, cp.InvocationContext.ClientId, string(body)); err != nil {
						return fmt.Errorf("flow/store: persist result: %w", err)
					}
				}
			}
		}
	}

	if _, err := s.execer(ctx).Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id.String()); err != nil {
		return fmt.Errorf("flow/store: remove checkpoint: %w", err)
	}
	return nil
}

// UpdateStatus implements flow.CheckpointStore.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id flow.FlowId, status flow.Status) error {
	tag, err := s.execer(ctx).Exec(ctx, `UPDATE checkpoints SET status = $1, updated_at = now() WHERE id = $2`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("flow/store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flow.ErrFlowNotFound
	}
	return nil
}

// List implements flow.CheckpointStore.
func (s *PostgresStore) List(ctx context.Context, status flow.Status) ([]flow.Checkpoint, error) {
	rows, err := s.execer(ctx).Query(ctx, `SELECT body FROM checkpoints WHERE status = $1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("flow/store: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []flow.Checkpoint
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("flow/store: scan checkpoint row: %w", err)
		}
		var cp flow.Checkpoint
		if err := cp.UnmarshalJSON(body); err != nil {
			return nil, fmt.Errorf("flow/store: decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Result implements flow.CheckpointStore.
func (s *PostgresStore) Result(ctx context.Context, clientId string) (flow.FinishOutcome, error) {
	var body []byte
	err := s.execer(ctx).QueryRow(ctx, `SELECT body FROM results WHERE client_id = $1`, clientId).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.FinishOutcome{}, flow.ErrFlowNotFound
	}
	if err != nil {
		return flow.FinishOutcome{}, fmt.Errorf("flow/store: get result: %w", err)
	}
	var out flow.FinishOutcome
	if err := json.Unmarshal(body, &out); err != nil {
		return flow.FinishOutcome{}, fmt.Errorf("flow/store: decode result: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies the database connection is alive, for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
