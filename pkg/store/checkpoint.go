// pkg/store/checkpoint.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// RunStatus is the lifecycle state recorded in a checkpoint.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Checkpoint is a durable progress marker for one (run, collection) pair.
// LastAnchor is the primary key of the last record in the highest contiguous
// committed prefix.
type Checkpoint struct {
	RunID      string    `db:"run_id"`
	Collection string    `db:"collection"`
	LastAnchor string    `db:"last_anchor"`
	Processed  int64     `db:"processed"`
	Failed     int64     `db:"failed"`
	Status     RunStatus `db:"status"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// ErrCheckpointNotFound is returned by Load when no checkpoint exists.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists checkpoints across process restarts. Save replaces
// the whole record atomically; partial updates are not supported so a crash
// can never leave a torn marker.
type CheckpointStore interface {
	Load(ctx context.Context, runID, collection string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Clear(ctx context.Context, runID, collection string) error
}

// PostgresCheckpointStore keeps checkpoints in a mask_checkpoints table.
type PostgresCheckpointStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresCheckpointStore creates the store and ensures the backing table
// exists.
func NewPostgresCheckpointStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*PostgresCheckpointStore, error) {
	s := &PostgresCheckpointStore{
		db:     db,
		logger: logger.Named("checkpoint-store"),
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup checkpoint table: %w", err)
	}
	return s, nil
}

func (s *PostgresCheckpointStore) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mask_checkpoints (
			run_id      TEXT NOT NULL,
			collection  TEXT NOT NULL,
			last_anchor TEXT NOT NULL DEFAULT '',
			processed   BIGINT NOT NULL DEFAULT 0,
			failed      BIGINT NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, collection)
		)
	`)
	if err != nil {
		return &ConnError{Op: "ensure checkpoint table", Err: err}
	}
	s.logger.Debug("Ensured mask_checkpoints table exists")
	return nil
}

// Load retrieves the checkpoint for a run, or ErrCheckpointNotFound.
func (s *PostgresCheckpointStore) Load(ctx context.Context, runID, collection string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.GetContext(ctx, &cp, `
		SELECT run_id, collection, last_anchor, processed, failed, status, updated_at
		FROM mask_checkpoints
		WHERE run_id = $1 AND collection = $2
	`, runID, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, &ConnError{Op: "load checkpoint", Err: err}
	}
	return &cp, nil
}

// Save upserts the checkpoint as a whole record.
func (s *PostgresCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mask_checkpoints (run_id, collection, last_anchor, processed, failed, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (run_id, collection) DO UPDATE SET
			last_anchor = EXCLUDED.last_anchor,
			processed   = EXCLUDED.processed,
			failed      = EXCLUDED.failed,
			status      = EXCLUDED.status,
			updated_at  = CURRENT_TIMESTAMP
	`, cp.RunID, cp.Collection, cp.LastAnchor, cp.Processed, cp.Failed, cp.Status)
	if err != nil {
		return &ConnError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// Clear removes the checkpoint after a successful run.
func (s *PostgresCheckpointStore) Clear(ctx context.Context, runID, collection string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mask_checkpoints WHERE run_id = $1 AND collection = $2
	`, runID, collection)
	if err != nil {
		return &ConnError{Op: "clear checkpoint", Err: err}
	}
	return nil
}
