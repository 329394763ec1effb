package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// CreateBatchWithRuns inserts a batch and its N queued runs in one
// transaction: either the batch and all runs exist, or none do.
func (db *DB) CreateBatchWithRuns(ctx context.Context, userRequest string, nRuns, recipesPerRun int, config map[string]any) (model.Batch, []model.Run, error) {
	if nRuns < 1 {
		return model.Batch{}, nil, fmt.Errorf("storage: create batch: n_runs must be >= 1")
	}
	if config == nil {
		config = map[string]any{}
	}

	batch := model.Batch{
		ID:            model.NewID("batch"),
		CreatedAt:     time.Now().UTC(),
		UserRequest:   userRequest,
		NRuns:         nRuns,
		RecipesPerRun: recipesPerRun,
		Status:        model.StatusQueued,
		Config:        config,
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("storage: begin create batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO batches (batch_id, created_at, user_request, n_runs, recipes_per_run, status, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		batch.ID, batch.CreatedAt, batch.UserRequest, batch.NRuns, batch.RecipesPerRun, string(batch.Status), batch.Config,
	)
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("storage: insert batch: %w", err)
	}

	runs := make([]model.Run, 0, nRuns)
	for i := 1; i <= nRuns; i++ {
		run := model.Run{
			ID:        model.NewID("run"),
			BatchID:   batch.ID,
			RunIndex:  i,
			CreatedAt: time.Now().UTC(),
			Status:    model.StatusQueued,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (run_id, batch_id, run_index, created_at, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			run.ID, run.BatchID, run.RunIndex, run.CreatedAt, string(run.Status),
		); err != nil {
			return model.Batch{}, nil, fmt.Errorf("storage: insert run %d: %w", i, err)
		}
		runs = append(runs, run)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Batch{}, nil, fmt.Errorf("storage: commit create batch: %w", err)
	}
	return batch, runs, nil
}

// GetBatch retrieves a batch by id.
func (db *DB) GetBatch(ctx context.Context, batchID string) (model.Batch, error) {
	var b model.Batch
	err := db.pool.QueryRow(ctx,
		`SELECT batch_id, created_at, started_at, ended_at, user_request, n_runs, recipes_per_run, status, config, error
		 FROM batches WHERE batch_id = $1`, batchID,
	).Scan(&b.ID, &b.CreatedAt, &b.StartedAt, &b.EndedAt, &b.UserRequest, &b.NRuns, &b.RecipesPerRun, &b.Status, &b.Config, &b.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Batch{}, ErrNotFound
		}
		return model.Batch{}, fmt.Errorf("storage: get batch: %w", err)
	}
	return b, nil
}

// ListBatchesPage returns batches newest-first with cursor pagination.
func (db *DB) ListBatchesPage(ctx context.Context, limit int, cursor *Cursor) (Page[model.Batch], error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT batch_id, created_at, started_at, ended_at, user_request, n_runs, recipes_per_run, status, config, error
	          FROM batches`
	args := []any{}
	if cursor != nil {
		query += ` WHERE (created_at, batch_id) < ($1, $2)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, batch_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return Page[model.Batch]{}, fmt.Errorf("storage: list batches: %w", err)
	}
	defer rows.Close()

	var items []model.Batch
	for rows.Next() {
		var b model.Batch
		if err := rows.Scan(&b.ID, &b.CreatedAt, &b.StartedAt, &b.EndedAt, &b.UserRequest, &b.NRuns, &b.RecipesPerRun, &b.Status, &b.Config, &b.Error); err != nil {
			return Page[model.Batch]{}, fmt.Errorf("storage: scan batch: %w", err)
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return Page[model.Batch]{}, fmt.Errorf("storage: list batches: %w", err)
	}

	page := Page[model.Batch]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = nextCursorToken(last.CreatedAt, last.ID)
	}
	return page, nil
}

// ListActiveBatchIDs returns ids of batches not yet in a terminal status.
// Used after reconciliation to re-derive batch statuses.
func (db *DB) ListActiveBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT batch_id FROM batches WHERE status IN ('queued', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active batches: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: list active batches: %w", err)
	}
	return ids, nil
}

// UpdateBatchStatus transitions a batch. started_at is set only on the first
// transition to running; ended_at only on the first terminal transition.
func (db *DB) UpdateBatchStatus(ctx context.Context, batchID string, status model.Status, errMsg *string) error {
	now := time.Now().UTC()
	var startedAt, endedAt *time.Time
	if status == model.StatusRunning {
		startedAt = &now
	}
	if status.Terminal() {
		endedAt = &now
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE batches
		 SET status = $2,
		     started_at = COALESCE(started_at, $3),
		     ended_at = COALESCE(ended_at, $4),
		     error = COALESCE($5, error)
		 WHERE batch_id = $1`,
		batchID, string(status), startedAt, endedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeBatchStatus derives the batch's terminal status from its runs.
// While any run is still queued or running it does nothing. Otherwise:
// any failed run fails the batch; else any canceled run cancels it; else
// it completes. Returns the status that was set, or "" when not finalized.
func (db *DB) FinalizeBatchStatus(ctx context.Context, batchID string) (model.Status, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM runs WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return "", fmt.Errorf("storage: finalize batch: %w", err)
	}
	defer rows.Close()

	counts := map[model.Status]int{}
	total := 0
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return "", fmt.Errorf("storage: finalize batch: %w", err)
		}
		counts[model.Status(s)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("storage: finalize batch: %w", err)
	}
	if total == 0 {
		return "", ErrNotFound
	}
	if counts[model.StatusQueued] > 0 || counts[model.StatusRunning] > 0 {
		return "", nil
	}

	final := model.StatusCompleted
	switch {
	case counts[model.StatusFailed] > 0:
		final = model.StatusFailed
	case counts[model.StatusCanceled] > 0:
		final = model.StatusCanceled
	}
	if err := db.UpdateBatchStatus(ctx, batchID, final, nil); err != nil {
		return "", err
	}
	return final, nil
}
