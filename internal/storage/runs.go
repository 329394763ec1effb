package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var r model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, batch_id, run_index, created_at, started_at, ended_at, status, error
		 FROM runs WHERE run_id = $1`, runID,
	).Scan(&r.ID, &r.BatchID, &r.RunIndex, &r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.Status, &r.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRunsForBatch returns all runs of a batch ordered by run_index.
func (db *DB) ListRunsForBatch(ctx context.Context, batchID string) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, batch_id, run_index, created_at, started_at, ended_at, status, error
		 FROM runs WHERE batch_id = $1 ORDER BY run_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.BatchID, &r.RunIndex, &r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run. started_at is set only on the first
// transition to running; ended_at only on the first terminal transition.
func (db *DB) UpdateRunStatus(ctx context.Context, runID string, status model.Status, errMsg *string) error {
	now := time.Now().UTC()
	var startedAt, endedAt *time.Time
	if status == model.StatusRunning {
		startedAt = &now
	}
	if status.Terminal() {
		endedAt = &now
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2,
		     started_at = COALESCE(started_at, $3),
		     ended_at = COALESCE(ended_at, $4),
		     error = COALESCE($5, error)
		 WHERE run_id = $1`,
		runID, string(status), startedAt, endedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextQueuedRun atomically claims the oldest queued run (FIFO by
// creation time, tie-broken by id) and marks it and its batch running.
// FOR UPDATE SKIP LOCKED guarantees at most one claimant per run even if
// multiple workers poll the same database.
func (db *DB) ClaimNextQueuedRun(ctx context.Context) (*model.Run, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runID, batchID string
	err = tx.QueryRow(ctx,
		`SELECT run_id, batch_id FROM runs
		 WHERE status = 'queued'
		 ORDER BY created_at ASC, run_id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&runID, &batchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: select queued run: %w", err)
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, $2)
		 WHERE run_id = $1 AND status = 'queued'`, runID, now)
	if err != nil {
		return nil, fmt.Errorf("storage: mark run running: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, nil
	}

	// Batch becomes running on its first claimed run only.
	if _, err := tx.Exec(ctx,
		`UPDATE batches SET status = 'running', started_at = COALESCE(started_at, $2)
		 WHERE batch_id = $1 AND status = 'queued'`, batchID, now); err != nil {
		return nil, fmt.Errorf("storage: mark batch running: %w", err)
	}

	var r model.Run
	if err := tx.QueryRow(ctx,
		`SELECT run_id, batch_id, run_index, created_at, started_at, ended_at, status, error
		 FROM runs WHERE run_id = $1`, runID,
	).Scan(&r.ID, &r.BatchID, &r.RunIndex, &r.CreatedAt, &r.StartedAt, &r.EndedAt, &r.Status, &r.Error); err != nil {
		return nil, fmt.Errorf("storage: reload claimed run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim run: %w", err)
	}
	return &r, nil
}

// ReconcileRunningRuns force-fails any run left in running state, appending
// a run_failed trace event for each. Called once at process start; a run in
// running state with no live worker implies a prior crash.
func (db *DB) ReconcileRunningRuns(ctx context.Context, reason string) (int, error) {
	rows, err := db.pool.Query(ctx, `SELECT run_id FROM runs WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("storage: reconcile: %w", err)
	}
	runIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("storage: reconcile: %w", err)
	}
	if len(runIDs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for _, runID := range runIDs {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("storage: begin reconcile: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs
			 SET status = 'failed', ended_at = COALESCE(ended_at, $2), error = COALESCE(error, $3)
			 WHERE run_id = $1 AND status = 'running'`,
			runID, now, reason,
		); err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("storage: reconcile run %s: %w", runID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (event_id, run_id, created_at, event_type, payload)
			 VALUES ($1, $2, $3, 'run_failed', $4)`,
			model.NewID("evt"), runID, now, map[string]any{"error": reason},
		); err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("storage: reconcile event %s: %w", runID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("storage: commit reconcile %s: %w", runID, err)
		}
	}
	return len(runIDs), nil
}
