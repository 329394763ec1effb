package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// UpsertMemoryIndex writes the browse-index row for a memory item. The vector
// store holds the content; this table only mirrors filterable metadata.
func (db *DB) UpsertMemoryIndex(ctx context.Context, item model.MemoryItem) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rb_mem_index (mem_id, created_at, updated_at, status, role, type, source_run_id, schema_version)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		 ON CONFLICT (mem_id) DO UPDATE SET
		   updated_at = EXCLUDED.updated_at,
		   status = EXCLUDED.status,
		   role = EXCLUDED.role,
		   type = EXCLUDED.type,
		   source_run_id = EXCLUDED.source_run_id,
		   schema_version = EXCLUDED.schema_version`,
		item.ID, item.CreatedAt, item.UpdatedAt, string(item.Status), string(item.Role),
		string(item.Type), item.SourceRunID, item.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert memory index: %w", err)
	}
	return nil
}

// GetMemoryIndexEntry retrieves one browse-index row.
func (db *DB) GetMemoryIndexEntry(ctx context.Context, memID string) (model.MemoryIndexEntry, error) {
	var e model.MemoryIndexEntry
	var sourceRunID *string
	err := db.pool.QueryRow(ctx,
		`SELECT mem_id, created_at, updated_at, status, role, type, source_run_id, schema_version
		 FROM rb_mem_index WHERE mem_id = $1`, memID,
	).Scan(&e.MemID, &e.CreatedAt, &e.UpdatedAt, &e.Status, &e.Role, &e.Type, &sourceRunID, &e.SchemaVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MemoryIndexEntry{}, ErrNotFound
		}
		return model.MemoryIndexEntry{}, fmt.Errorf("storage: get memory index entry: %w", err)
	}
	if sourceRunID != nil {
		e.SourceRunID = *sourceRunID
	}
	return e, nil
}

// MemoryIndexFilter narrows browse reads. Empty fields mean "no constraint".
type MemoryIndexFilter struct {
	Status model.MemoryStatus
	Role   model.MemoryRole
	Type   model.MemoryType
}

// ListMemoryIndexPage returns browse-index rows newest-first with cursor
// pagination.
func (db *DB) ListMemoryIndexPage(ctx context.Context, limit int, cursor *Cursor, f MemoryIndexFilter) (Page[model.MemoryIndexEntry], error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT mem_id, created_at, updated_at, status, role, type, source_run_id, schema_version
	          FROM rb_mem_index WHERE TRUE`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Role != "" {
		args = append(args, string(f.Role))
		query += fmt.Sprintf(` AND role = $%d`, len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, mem_id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, mem_id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return Page[model.MemoryIndexEntry]{}, fmt.Errorf("storage: list memory index: %w", err)
	}
	defer rows.Close()

	var items []model.MemoryIndexEntry
	for rows.Next() {
		var e model.MemoryIndexEntry
		var sourceRunID *string
		if err := rows.Scan(&e.MemID, &e.CreatedAt, &e.UpdatedAt, &e.Status, &e.Role, &e.Type, &sourceRunID, &e.SchemaVersion); err != nil {
			return Page[model.MemoryIndexEntry]{}, fmt.Errorf("storage: scan memory index entry: %w", err)
		}
		if sourceRunID != nil {
			e.SourceRunID = *sourceRunID
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return Page[model.MemoryIndexEntry]{}, fmt.Errorf("storage: list memory index: %w", err)
	}

	page := Page[model.MemoryIndexEntry]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = nextCursorToken(last.CreatedAt, last.MemID)
	}
	return page, nil
}
