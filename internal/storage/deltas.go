package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// CreateRBDelta records one learn pass as a single applied delta. Ops may be
// empty; a learn that changed nothing still leaves an auditable delta.
func (db *DB) CreateRBDelta(ctx context.Context, runID string, ops []model.DeltaOp, extra map[string]any) (model.RBDelta, error) {
	if ops == nil {
		ops = []model.DeltaOp{}
	}
	if extra == nil {
		extra = map[string]any{}
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return model.RBDelta{}, fmt.Errorf("storage: marshal delta ops: %w", err)
	}

	d := model.RBDelta{
		ID:            model.NewID("rbd"),
		RunID:         runID,
		CreatedAt:     time.Now().UTC(),
		Status:        model.DeltaApplied,
		Ops:           ops,
		SchemaVersion: 1,
		Extra:         extra,
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO rb_deltas (delta_id, run_id, created_at, status, ops, schema_version, extra)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		d.ID, d.RunID, d.CreatedAt, string(d.Status), opsJSON, d.SchemaVersion, d.Extra,
	)
	if err != nil {
		return model.RBDelta{}, fmt.Errorf("storage: create rb delta: %w", err)
	}
	return d, nil
}

// GetRBDelta retrieves one delta.
func (db *DB) GetRBDelta(ctx context.Context, deltaID string) (model.RBDelta, error) {
	d, err := db.scanDelta(db.pool.QueryRow(ctx,
		`SELECT delta_id, run_id, created_at, status, rolled_back_at, rolled_back_reason, ops, schema_version, extra
		 FROM rb_deltas WHERE delta_id = $1`, deltaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RBDelta{}, ErrNotFound
		}
		return model.RBDelta{}, fmt.Errorf("storage: get rb delta: %w", err)
	}
	return d, nil
}

// ListRBDeltasForRun returns deltas for a run newest-first, optionally
// restricted to one status.
func (db *DB) ListRBDeltasForRun(ctx context.Context, runID string, status model.DeltaStatus, limit int) ([]model.RBDelta, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT delta_id, run_id, created_at, status, rolled_back_at, rolled_back_reason, ops, schema_version, extra
	          FROM rb_deltas WHERE run_id = $1`
	args := []any{runID}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, delta_id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list rb deltas: %w", err)
	}
	defer rows.Close()

	var deltas []model.RBDelta
	for rows.Next() {
		d, err := db.scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan rb delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// MarkRBDeltaRolledBack flips an applied delta to rolled_back. Returns
// ErrNotFound if the delta does not exist or is already rolled back; callers
// treat the second case as an idempotent no-op after checking status.
func (db *DB) MarkRBDeltaRolledBack(ctx context.Context, deltaID string, reason *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE rb_deltas
		 SET status = 'rolled_back',
		     rolled_back_at = COALESCE(rolled_back_at, $2),
		     rolled_back_reason = COALESCE(rolled_back_reason, $3)
		 WHERE delta_id = $1 AND status = 'applied'`,
		deltaID, time.Now().UTC(), reason,
	)
	if err != nil {
		return fmt.Errorf("storage: mark rb delta rolled back: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) scanDelta(row pgx.Row) (model.RBDelta, error) {
	var d model.RBDelta
	var opsJSON []byte
	if err := row.Scan(&d.ID, &d.RunID, &d.CreatedAt, &d.Status, &d.RolledBackAt, &d.RolledBackReason, &opsJSON, &d.SchemaVersion, &d.Extra); err != nil {
		return model.RBDelta{}, err
	}
	if err := json.Unmarshal(opsJSON, &d.Ops); err != nil {
		return model.RBDelta{}, fmt.Errorf("storage: decode delta ops: %w", err)
	}
	return d, nil
}
