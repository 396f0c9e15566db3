package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flowforge/flowcore/flow"
	"github.com/flowforge/flowcore/flow/txn"
	_ "modernc.org/sqlite"
)

// sqlExecer is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run against whichever is live for the request: the engine's
// transaction when CreateTransactionAction has opened one (via
// txn.SQLRawTxFromContext), or the store's own pooled connection otherwise.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) execer(ctx context.Context) sqlExecer {
	if tx, ok := txn.SQLRawTxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// SQLiteStore is a single-file, WAL-mode flow.CheckpointStore. Ported in
// shape from the teacher's SQLiteStore[S] (connection setup, WAL/foreign-key
// pragmas, a single-writer connection pool): development and single-process
// deployments that still want durability across restarts without standing
// up a server.
//
// Schema:
//   - checkpoints: one row per live FlowId, keyed for optimistic-replace on
//     num_commits.
//   - results: terminal outcomes retained by client id after RemoveFlow.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path and
// migrates its schema. path may be ":memory:" for a process-local store with
// no file on disk.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("flow/store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			num_commits INTEGER NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("flow/store: create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status)"); err != nil {
		return fmt.Errorf("flow/store: create idx_checkpoints_status: %w", err)
	}

	results := `
		CREATE TABLE IF NOT EXISTS results (
			client_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, results); err != nil {
		return fmt.Errorf("flow/store: create results table: %w", err)
	}
	return nil
}

// Get implements flow.CheckpointStore.
func (s *SQLiteStore) Get(ctx context.Context, id flow.FlowId) (flow.Checkpoint, error) {
	var body string
	err := s.execer(ctx).QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE id = ?`, id.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.Checkpoint{}, flow.ErrFlowNotFound
	}
	if err != nil {
		return flow.Checkpoint{}, fmt.Errorf("flow/store: get checkpoint: %w", err)
	}
	var cp flow.Checkpoint
	if err := cp.UnmarshalJSON([]byte(body)); err != nil {
		return flow.Checkpoint{}, fmt.Errorf("flow/store: decode checkpoint: %w", err)
	}
	return cp, nil
}

// Upsert implements flow.CheckpointStore, rejecting a stale NumCommits
// (invariant 6) via a conditional UPDATE whose affected-row count reveals
// whether the optimistic check held.
func (s *SQLiteStore) Upsert(ctx context.Context, cp flow.Checkpoint) error {
	body, err := cp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("flow/store: encode checkpoint: %w", err)
	}

	res, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO checkpoints (id, num_commits, status, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			num_commits = excluded.num_commits,
			status = excluded.status,
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.num_commits > checkpoints.num_commits
	`, cp.Id.String(), cp.CheckpointState.NumCommits, string(cp.Status), string(body))
	if err != nil {
		return fmt.Errorf("flow/store: upsert checkpoint: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flow/store: upsert checkpoint: %w", err)
	}
	if rows == 0 {
		var existing uint64
		qerr := s.execer(ctx).QueryRowContext(ctx, `SELECT num_commits FROM checkpoints WHERE id = ?`, cp.Id.String()).Scan(&existing)
		if errors.Is(qerr, sql.ErrNoRows) {
			return nil // first insert always affects a row; reaching here means a race, harmless
		}
		return flow.ErrStaleCheckpoint
	}
	return nil
}

// Remove implements flow.CheckpointStore.
func (s *SQLiteStore) Remove(ctx context.Context, id flow.FlowId, mayHavePersistentResults bool) error {
	if mayHavePersistentResults {
		cp, err := s.Get(ctx, id)
		if err == nil {
			if fin, ok := cp.FlowState.(flow.FinishedState); ok && cp.InvocationContext.ClientId != "" {
				body, merr := json.Marshal(fin.Result)
				if merr == nil {
					if _, err := s.execer(ctx).ExecContext(ctx, `
						INSERT INTO results (client_id, body) VALUES (?, ?)
						ON CONFLICT(client_id) DO UPDATE SET body = excluded.body
					`, cp.InvocationContext.ClientId, string(body)); err != nil {
						return fmt.Errorf("flow/store: persist result: %w", err)
					}
				}
			}
		}
	}

	if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("flow/store: remove checkpoint: %w", err)
	}
	return nil
}

// UpdateStatus implements flow.CheckpointStore.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id flow.FlowId, status flow.Status) error {
	res, err := s.execer(ctx).ExecContext(ctx, `UPDATE checkpoints SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("flow/store: update status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flow/store: update status: %w", err)
	}
	if rows == 0 {
		return flow.ErrFlowNotFound
	}
	return nil
}

// List implements flow.CheckpointStore.
func (s *SQLiteStore) List(ctx context.Context, status flow.Status) ([]flow.Checkpoint, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT body FROM checkpoints WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("flow/store: list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []flow.Checkpoint
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("flow/store: scan checkpoint row: %w", err)
		}
		var cp flow.Checkpoint
		if err := cp.UnmarshalJSON([]byte(body)); err != nil {
			return nil, fmt.Errorf("flow/store: decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Result implements flow.CheckpointStore.
func (s *SQLiteStore) Result(ctx context.Context, clientId string) (flow.FinishOutcome, error) {
	var body string
	err := s.execer(ctx).QueryRowContext(ctx, `SELECT body FROM results WHERE client_id = ?`, clientId).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.FinishOutcome{}, flow.ErrFlowNotFound
	}
	if err != nil {
		return flow.FinishOutcome{}, fmt.Errorf("flow/store: get result: %w", err)
	}
	var out flow.FinishOutcome
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return flow.FinishOutcome{}, fmt.Errorf("flow/store: decode result: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection. Safe to call more than
// once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive, for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}
