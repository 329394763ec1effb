package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EvidenceItem is one aliased knowledge-base chunk surfaced during a run,
// reconstructed from the run's kb_query trace events. The alias is the
// citation token used in the run's final output.
type EvidenceItem struct {
	Alias     string    `json:"alias"`
	Ref       string    `json:"ref"`
	Namespace string    `json:"namespace,omitempty"`
	Source    string    `json:"source,omitempty"`
	OriginID  string    `json:"origin_id,omitempty"`
	Content   string    `json:"content"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ListEvidenceForRun aggregates evidence from a run's kb_query events in
// alias order. Each alias keeps its first-seen chunk; later queries may
// repeat an alias with identical content.
func (db *DB) ListEvidenceForRun(ctx context.Context, runID string) ([]EvidenceItem, error) {
	events, err := db.collectAllEvents(ctx, runID, []string{"kb_query"})
	if err != nil {
		return nil, err
	}

	seen := map[string]EvidenceItem{}
	for _, e := range events {
		results, ok := e.Payload["results"].([]any)
		if !ok {
			continue
		}
		for _, raw := range results {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			alias, _ := entry["alias"].(string)
			if alias == "" {
				continue
			}
			if _, dup := seen[alias]; dup {
				continue
			}
			item := EvidenceItem{Alias: alias, EventID: e.ID, CreatedAt: e.CreatedAt}
			item.Ref, _ = entry["ref"].(string)
			item.Namespace, _ = entry["namespace"].(string)
			item.Source, _ = entry["source"].(string)
			item.OriginID, _ = entry["origin_id"].(string)
			item.Content, _ = entry["content"].(string)
			seen[alias] = item
		}
	}

	items := make([]EvidenceItem, 0, len(seen))
	for _, item := range seen {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return aliasLess(items[i].Alias, items[j].Alias)
	})
	return items, nil
}

// ListEvidencePage slices the aggregated evidence list with cursor-free
// offset pagination. The aggregate is small (bounded by per-run query
// budgets) so recomputing per page is fine.
func (db *DB) ListEvidencePage(ctx context.Context, runID string, limit, offset int) ([]EvidenceItem, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items, err := db.ListEvidenceForRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if offset >= len(items) {
		return nil, false, nil
	}
	end := offset + limit
	hasMore := end < len(items)
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], hasMore, nil
}

// GetEvidenceItem resolves one alias for a run, or ErrNotFound.
func (db *DB) GetEvidenceItem(ctx context.Context, runID, alias string) (EvidenceItem, error) {
	items, err := db.ListEvidenceForRun(ctx, runID)
	if err != nil {
		return EvidenceItem{}, err
	}
	for _, item := range items {
		if item.Alias == alias {
			return item, nil
		}
	}
	return EvidenceItem{}, ErrNotFound
}

// collectAllEvents drains every matching event for a run via the paged reader.
func (db *DB) collectAllEvents(ctx context.Context, runID string, eventTypes []string) ([]eventRow, error) {
	var out []eventRow
	var cursor *Cursor
	for {
		page, err := db.ListEventsPage(ctx, runID, 500, cursor, EventFilter{
			EventTypes:     eventTypes,
			IncludePayload: true,
		})
		if err != nil {
			return nil, err
		}
		for _, e := range page.Items {
			out = append(out, eventRow{ID: e.ID, CreatedAt: e.CreatedAt, Payload: e.Payload})
		}
		if !page.HasMore {
			return out, nil
		}
		c, err := DecodeCursor(*page.NextCursor)
		if err != nil {
			return nil, fmt.Errorf("storage: collect events: %w", err)
		}
		cursor = c
	}
}

type eventRow struct {
	ID        string
	CreatedAt time.Time
	Payload   map[string]any
}

// aliasLess orders aliases by letter prefix then numeric suffix, so C2 sorts
// before C10.
func aliasLess(a, b string) bool {
	ap, an := splitAlias(a)
	bp, bn := splitAlias(b)
	if ap != bp {
		return ap < bp
	}
	if an != bn {
		return an < bn
	}
	return a < b
}

func splitAlias(s string) (string, int) {
	i := 0
	for i < len(s) && (s[i] < '0' || s[i] > '9') {
		i++
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[i:]))
	if err != nil {
		return s, 0
	}
	return s[:i], n
}
