package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/crucible-ai/crucible/internal/model"
)

// AppendMemEditLog records one memory mutation in the append-only audit log.
// Actor names who caused the edit ("learn", "rollback", "operator").
func (db *DB) AppendMemEditLog(ctx context.Context, memID, actor string, reason *string, before, after map[string]any) (string, error) {
	if before == nil {
		before = map[string]any{}
	}
	if after == nil {
		after = map[string]any{}
	}
	editID := model.NewID("memedit")
	_, err := db.pool.Exec(ctx,
		`INSERT INTO mem_edit_log (mem_edit_id, mem_id, created_at, actor, reason, before, after, schema_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		editID, memID, time.Now().UTC(), actor, reason, before, after,
	)
	if err != nil {
		return "", fmt.Errorf("storage: append mem edit log: %w", err)
	}
	return editID, nil
}

// MemEdit is one row of the memory audit log.
type MemEdit struct {
	ID        string         `json:"mem_edit_id"`
	MemID     string         `json:"mem_id"`
	CreatedAt time.Time      `json:"created_at"`
	Actor     string         `json:"actor"`
	Reason    *string        `json:"reason,omitempty"`
	Before    map[string]any `json:"before"`
	After     map[string]any `json:"after"`
}

// ListMemEdits returns audit-log rows for one memory item newest-first.
func (db *DB) ListMemEdits(ctx context.Context, memID string, limit int) ([]MemEdit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT mem_edit_id, mem_id, created_at, actor, reason, before, after
		 FROM mem_edit_log WHERE mem_id = $1
		 ORDER BY created_at DESC, mem_edit_id DESC
		 LIMIT $2`, memID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list mem edits: %w", err)
	}
	defer rows.Close()

	var edits []MemEdit
	for rows.Next() {
		var e MemEdit
		if err := rows.Scan(&e.ID, &e.MemID, &e.CreatedAt, &e.Actor, &e.Reason, &e.Before, &e.After); err != nil {
			return nil, fmt.Errorf("storage: scan mem edit: %w", err)
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}
