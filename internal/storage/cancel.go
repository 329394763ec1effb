package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/crucible-ai/crucible/internal/model"
)

// RequestCancel records an advisory cancellation for a batch or run and
// returns the cancel request id. The request takes effect only when the
// worker observes it at a checkpoint.
func (db *DB) RequestCancel(ctx context.Context, target model.CancelTarget, targetID string, reason *string) (string, error) {
	if target != model.CancelTargetBatch && target != model.CancelTargetRun {
		return "", fmt.Errorf("storage: request cancel: invalid target type %q", target)
	}
	cancelID := model.NewID("cancel")
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cancel_requests (cancel_id, created_at, target_type, target_id, status, reason)
		 VALUES ($1, $2, $3, $4, 'requested', $5)`,
		cancelID, time.Now().UTC(), string(target), targetID, reason,
	)
	if err != nil {
		return "", fmt.Errorf("storage: request cancel: %w", err)
	}
	return cancelID, nil
}

// IsCancelRequested reports whether an unexpired cancel request exists for
// the target. Acknowledged requests still count: acknowledgment records that
// the worker saw the request, not that it expired.
func (db *DB) IsCancelRequested(ctx context.Context, target model.CancelTarget, targetID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM cancel_requests
		   WHERE target_type = $1 AND target_id = $2 AND status IN ('requested', 'acknowledged')
		 )`, string(target), targetID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check cancel: %w", err)
	}
	return exists, nil
}

// AcknowledgeCancel transitions matching requests from requested to
// acknowledged. Idempotent; already-acknowledged requests are untouched.
func (db *DB) AcknowledgeCancel(ctx context.Context, target model.CancelTarget, targetID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE cancel_requests SET status = 'acknowledged'
		 WHERE target_type = $1 AND target_id = $2 AND status = 'requested'`,
		string(target), targetID,
	)
	if err != nil {
		return fmt.Errorf("storage: acknowledge cancel: %w", err)
	}
	return nil
}
