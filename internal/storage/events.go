package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// AppendEvent appends one trace event for a run and returns its id.
// Events are append-only; there is no update or delete path.
func (db *DB) AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	eventID := model.NewID("evt")
	_, err := db.pool.Exec(ctx,
		`INSERT INTO events (event_id, run_id, created_at, event_type, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		eventID, runID, time.Now().UTC(), eventType, payload,
	)
	if err != nil {
		return "", fmt.Errorf("storage: append event: %w", err)
	}
	return eventID, nil
}

// GetEvent retrieves one event scoped to a run.
func (db *DB) GetEvent(ctx context.Context, runID, eventID string) (model.Event, error) {
	var e model.Event
	err := db.pool.QueryRow(ctx,
		`SELECT event_id, run_id, created_at, event_type, payload
		 FROM events WHERE run_id = $1 AND event_id = $2`, runID, eventID,
	).Scan(&e.ID, &e.RunID, &e.CreatedAt, &e.Type, &e.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	return e, nil
}

// GetLatestEvent returns the most recent event of a given type for a run,
// or ErrNotFound.
func (db *DB) GetLatestEvent(ctx context.Context, runID, eventType string) (model.Event, error) {
	var e model.Event
	err := db.pool.QueryRow(ctx,
		`SELECT event_id, run_id, created_at, event_type, payload
		 FROM events WHERE run_id = $1 AND event_type = $2
		 ORDER BY created_at DESC, event_id DESC
		 LIMIT 1`, runID, eventType,
	).Scan(&e.ID, &e.RunID, &e.CreatedAt, &e.Type, &e.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: get latest event: %w", err)
	}
	return e, nil
}

// EventFilter narrows event reads. Zero values mean "no constraint".
type EventFilter struct {
	EventTypes     []string
	Since          *time.Time
	Until          *time.Time
	IncludePayload bool
}

// ListEventsPage returns events for a run in stable ascending
// (created_at, event_id) order with cursor pagination.
func (db *DB) ListEventsPage(ctx context.Context, runID string, limit int, cursor *Cursor, f EventFilter) (Page[model.Event], error) {
	if limit <= 0 {
		limit = 100
	}

	cols := `event_id, run_id, created_at, event_type, payload`
	if !f.IncludePayload {
		cols = `event_id, run_id, created_at, event_type, '{}'::jsonb`
	}

	query := `SELECT ` + cols + ` FROM events WHERE run_id = $1`
	args := []any{runID}
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		query += fmt.Sprintf(` AND event_type = ANY($%d)`, len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, event_id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at ASC, event_id ASC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return Page[model.Event]{}, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	items, err := scanEvents(rows)
	if err != nil {
		return Page[model.Event]{}, err
	}

	page := Page[model.Event]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = nextCursorToken(last.CreatedAt, last.ID)
	}
	return page, nil
}

// ListLatestEvents returns up to limit events newest-first, optionally
// filtered by type and bounded by time.
func (db *DB) ListLatestEvents(ctx context.Context, runID string, limit int, f EventFilter) ([]model.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	cols := `event_id, run_id, created_at, event_type, payload`
	if !f.IncludePayload {
		cols = `event_id, run_id, created_at, event_type, '{}'::jsonb`
	}

	query := `SELECT ` + cols + ` FROM events WHERE run_id = $1`
	args := []any{runID}
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		query += fmt.Sprintf(` AND event_type = ANY($%d)`, len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, event_id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list latest events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEventTypes returns per-type event counts for a run, optionally
// bounded by an upper timestamp (snapshot reads).
func (db *DB) CountEventTypes(ctx context.Context, runID string, until *time.Time) (map[string]int, error) {
	query := `SELECT event_type, COUNT(*) FROM events WHERE run_id = $1`
	args := []any{runID}
	if until != nil {
		args = append(args, *until)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	query += ` GROUP BY event_type`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: count event types: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("storage: count event types: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.CreatedAt, &e.Type, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
