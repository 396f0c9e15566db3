package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowforge/flowcore/flow"
	"github.com/flowforge/flowcore/flow/txn"
	_ "github.com/go-sql-driver/mysql"
)

func (s *MySQLStore) execer(ctx context.Context) sqlExecer {
	if tx, ok := txn.SQLRawTxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// MySQLStore is a MySQL/MariaDB-backed flow.CheckpointStore, ported in shape
// from the teacher's MySQLStore[S] (connection pooling, migration-on-open):
// the production-scale adapter for distributed deployments with multiple
// engine workers sharing one checkpoint table.
//
// Schema mirrors SQLiteStore: a checkpoints table keyed by FlowId with a
// num_commits column enforcing invariant 6 (via a row lock and an explicit
// comparison, see Upsert), and a results table retaining terminal outcomes
// by client id.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow/store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(36) PRIMARY KEY,
			num_commits BIGINT UNSIGNED NOT NULL,
			status VARCHAR(32) NOT NULL,
			body LONGTEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_checkpoints_status (status)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("flow/store: create checkpoints table: %w", err)
	}

	results := `
		CREATE TABLE IF NOT EXISTS results (
			client_id VARCHAR(255) PRIMARY KEY,
			body LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, results); err != nil {
		return fmt.Errorf("flow/store: create results table: %w", err)
	}
	return nil
}

// Get implements flow.CheckpointStore.
func (s *MySQLStore) Get(ctx context.Context, id flow.FlowId) (flow.Checkpoint, error) {
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
// (invariant 6). MySQL's INSERT ... ON DUPLICATE KEY UPDATE has no WHERE
// clause, so the guard is enforced with a row-level lock and an explicit
// comparison inside a transaction instead of the single-statement trick
// SQLiteStore uses.
//
// When ctx carries a live transaction opened by a txn.SQLScope (i.e. the
// engine is mid CreateTransactionAction), the lock-and-compare runs inside
// that transaction and the caller owns Commit/Rollback. Otherwise Upsert
// opens and manages its own transaction, for standalone use.
func (s *MySQLStore) Upsert(ctx context.Context, cp flow.Checkpoint) error {
	body, err := cp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("flow/store: encode checkpoint: %w", err)
	}

	tx, external := txn.SQLRawTxFromContext(ctx)
	if !external {
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("flow/store: begin upsert: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
	}

	var existing uint64
	err = tx.QueryRowContext(ctx, `SELECT num_commits FROM checkpoints WHERE id = ? FOR UPDATE`, cp.Id.String()).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, num_commits, status, body) VALUES (?, ?, ?, ?)
		`, cp.Id.String(), cp.CheckpointState.NumCommits, string(cp.Status), string(body)); err != nil {
			return fmt.Errorf("flow/store: insert checkpoint: %w", err)
		}
	case err != nil:
		return fmt.Errorf("flow/store: lock checkpoint row: %w", err)
	default:
		if cp.CheckpointState.NumCommits <= existing {
			return flow.ErrStaleCheckpoint
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE checkpoints SET num_commits = ?, status = ?, body = ? WHERE id = ?
		`, cp.CheckpointState.NumCommits, string(cp.Status), string(body), cp.Id.String()); err != nil {
			return fmt.Errorf("flow/store: update checkpoint: %w", err)
		}
	}

	if external {
		return nil
	}
	return tx.Commit()
}

// Remove implements flow.CheckpointStore.
func (s *MySQLStore) Remove(ctx context.Context, id flow.FlowId, mayHavePersistentResults bool) error {
	if mayHavePersistentResults {
		cp, err := s.Get(ctx, id)
		if err == nil {
			if fin, ok := cp.FlowState.(flow.FinishedState); ok && cp.InvocationContext.ClientId != "" {
				body, merr := json.Marshal(fin.Result)
				if merr == nil {
					if _, err := s.execer(ctx).ExecContext(ctx, `
						INSERT INTO results (client_id, body) VALUES (?, ?)
						ON DUPLICATE KEY UPDATE body = VALUES(body)
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
func (s *MySQLStore) UpdateStatus(ctx context.Context, id flow.FlowId, status flow.Status) error {
	res, err := s.execer(ctx).ExecContext(ctx, `UPDATE checkpoints SET status = ? WHERE id = ?`, string(status), id.String())
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
func (s *MySQLStore) List(ctx context.Context, status flow.Status) ([]flow.Checkpoint, error) {
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
func (s *MySQLStore) Result(ctx context.Context, clientId string) (flow.FinishOutcome, error) {
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

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive, for health checks.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
