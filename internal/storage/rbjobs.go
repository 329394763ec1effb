package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// CreateRBJob inserts a queued reasoning-bank job for a run.
func (db *DB) CreateRBJob(ctx context.Context, runID, kind string, extra map[string]any) (model.RBJob, error) {
	if kind == "" {
		kind = "learn"
	}
	if extra == nil {
		extra = map[string]any{}
	}
	if _, err := db.GetRun(ctx, runID); err != nil {
		return model.RBJob{}, err
	}

	job := model.RBJob{
		ID:            model.NewID("rbjob"),
		RunID:         runID,
		Kind:          kind,
		CreatedAt:     time.Now().UTC(),
		Status:        model.StatusQueued,
		SchemaVersion: 1,
		Extra:         extra,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rb_jobs (rb_job_id, run_id, kind, created_at, status, schema_version, extra)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.RunID, job.Kind, job.CreatedAt, string(job.Status), job.SchemaVersion, job.Extra,
	)
	if err != nil {
		return model.RBJob{}, fmt.Errorf("storage: create rb job: %w", err)
	}
	return job, nil
}

// GetRBJob retrieves one reasoning-bank job.
func (db *DB) GetRBJob(ctx context.Context, rbJobID string) (model.RBJob, error) {
	var j model.RBJob
	err := db.pool.QueryRow(ctx,
		`SELECT rb_job_id, run_id, kind, created_at, started_at, ended_at, status, error, schema_version, extra
		 FROM rb_jobs WHERE rb_job_id = $1`, rbJobID,
	).Scan(&j.ID, &j.RunID, &j.Kind, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.Status, &j.Error, &j.SchemaVersion, &j.Extra)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RBJob{}, ErrNotFound
		}
		return model.RBJob{}, fmt.Errorf("storage: get rb job: %w", err)
	}
	return j, nil
}

// GetLatestRBJobForRun returns the newest job for a run matching kind and
// any of the given statuses (both optional), or ErrNotFound.
func (db *DB) GetLatestRBJobForRun(ctx context.Context, runID, kind string, statuses []model.Status) (model.RBJob, error) {
	query := `SELECT rb_job_id, run_id, kind, created_at, started_at, ended_at, status, error, schema_version, extra
	          FROM rb_jobs WHERE run_id = $1`
	args := []any{runID}
	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at DESC, rb_job_id DESC LIMIT 1`

	var j model.RBJob
	err := db.pool.QueryRow(ctx, query, args...).
		Scan(&j.ID, &j.RunID, &j.Kind, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.Status, &j.Error, &j.SchemaVersion, &j.Extra)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RBJob{}, ErrNotFound
		}
		return model.RBJob{}, fmt.Errorf("storage: latest rb job: %w", err)
	}
	return j, nil
}

// ListRBJobsForRun returns jobs for a run newest-first.
func (db *DB) ListRBJobsForRun(ctx context.Context, runID string, limit int) ([]model.RBJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT rb_job_id, run_id, kind, created_at, started_at, ended_at, status, error, schema_version, extra
		 FROM rb_jobs WHERE run_id = $1
		 ORDER BY created_at DESC, rb_job_id DESC
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list rb jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.RBJob
	for rows.Next() {
		var j model.RBJob
		if err := rows.Scan(&j.ID, &j.RunID, &j.Kind, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.Status, &j.Error, &j.SchemaVersion, &j.Extra); err != nil {
			return nil, fmt.Errorf("storage: scan rb job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNextQueuedRBJob atomically claims the oldest queued reasoning-bank
// job and marks it running. Same locking discipline as ClaimNextQueuedRun.
func (db *DB) ClaimNextQueuedRBJob(ctx context.Context) (*model.RBJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim rb job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var jobID string
	err = tx.QueryRow(ctx,
		`SELECT rb_job_id FROM rb_jobs
		 WHERE status = 'queued'
		 ORDER BY created_at ASC, rb_job_id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: select queued rb job: %w", err)
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE rb_jobs SET status = 'running', started_at = COALESCE(started_at, $2)
		 WHERE rb_job_id = $1 AND status = 'queued'`, jobID, now)
	if err != nil {
		return nil, fmt.Errorf("storage: mark rb job running: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, nil
	}

	var j model.RBJob
	if err := tx.QueryRow(ctx,
		`SELECT rb_job_id, run_id, kind, created_at, started_at, ended_at, status, error, schema_version, extra
		 FROM rb_jobs WHERE rb_job_id = $1`, jobID,
	).Scan(&j.ID, &j.RunID, &j.Kind, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.Status, &j.Error, &j.SchemaVersion, &j.Extra); err != nil {
		return nil, fmt.Errorf("storage: reload claimed rb job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim rb job: %w", err)
	}
	return &j, nil
}

// UpdateRBJobStatus transitions a reasoning-bank job with the same
// COALESCE timestamp discipline as runs.
func (db *DB) UpdateRBJobStatus(ctx context.Context, rbJobID string, status model.Status, errMsg *string) error {
	now := time.Now().UTC()
	var startedAt, endedAt *time.Time
	if status == model.StatusRunning {
		startedAt = &now
	}
	if status.Terminal() {
		endedAt = &now
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE rb_jobs
		 SET status = $2,
		     started_at = COALESCE(started_at, $3),
		     ended_at = COALESCE(ended_at, $4),
		     error = COALESCE($5, error)
		 WHERE rb_job_id = $1`,
		rbJobID, string(status), startedAt, endedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: update rb job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
