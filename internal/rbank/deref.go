package rbank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crucible-ai/crucible/internal/llm"
	"github.com/crucible-ai/crucible/internal/storage"
)

// derefState tracks consumption of the extraction dereference budget.
type derefState struct {
	budget    DerefBudget
	calls     int
	fullCalls int
	chars     int
}

// serve returns content shaped to the remaining budget. Full-length serving
// degrades to an excerpt once the full-call budget is gone; everything is
// blocked once the character budget is gone. The mode actually served is
// returned for the audit event.
func (d *derefState) serve(content string, wantFull bool) (string, string, error) {
	if d.chars >= d.budget.MaxCharsTotal {
		return "", "", fmt.Errorf("character budget of %d exhausted; work with what you have already opened", d.budget.MaxCharsTotal)
	}
	mode := "excerpt"
	limit := d.budget.ExcerptChars
	if wantFull && d.fullCalls < d.budget.MaxFullCalls {
		mode = "full"
		limit = d.budget.FullChars
		d.fullCalls++
	}
	if remaining := d.budget.MaxCharsTotal - d.chars; limit > remaining {
		limit = remaining
	}
	out := content
	if len(out) > limit {
		out = out[:limit] + "..."
	}
	d.chars += len(out)
	return out, mode, nil
}

// forbiddenEventPrefix guards the facts-only rule: the extractor may read
// what happened, never what a model previously said about it.
func forbiddenEventType(eventType string) bool {
	return strings.HasPrefix(eventType, "llm_") || strings.HasPrefix(eventType, "rb_llm_")
}

func derefTools() []llm.Tool {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	boolean := map[string]any{"type": "boolean"}
	integer := map[string]any{"type": "integer"}
	return []llm.Tool{
		{Type: "function", Function: llm.Function{
			Name:        "rb_list_events",
			Description: "List the run's trace events (id, type, time). Model-generated event types are not listed.",
			Parameters:  obj(map[string]any{"event_types": map[string]any{"type": "array", "items": str}, "limit": integer}),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "rb_open_event",
			Description: "Open one trace event's payload.",
			Parameters:  obj(map[string]any{"event_id": str, "full": boolean}, "event_id"),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "rb_open_memory",
			Description: "Open one existing memory item.",
			Parameters:  obj(map[string]any{"mem_id": str, "full": boolean}, "mem_id"),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "rb_open_evidence",
			Description: "Open one evidence chunk gathered during the run, by alias.",
			Parameters:  obj(map[string]any{"alias": str, "full": boolean}, "alias"),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "rb_open_feedback",
			Description: "Open the run's experiment feedback.",
			Parameters:  obj(map[string]any{"full": boolean}),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "rb_open_run_output",
			Description: "Open the run's final output.",
			Parameters:  obj(map[string]any{"full": boolean}),
		}},
	}
}

// runDerefTool executes one dereference call, enforcing the budget and
// logging every open as an rb_source_opened event.
func (s *Service) runDerefTool(ctx context.Context, runID string, snap snapshot, d *derefState, call llm.ToolCall) string {
	d.calls++
	if d.calls > d.budget.MaxCallsTotal {
		return fmt.Sprintf("ERROR: dereference budget of %d calls exhausted. Extract items from what you have seen.", d.budget.MaxCallsTotal)
	}

	var args struct {
		EventTypes []string `json:"event_types"`
		Limit      int      `json:"limit"`
		EventID    string   `json:"event_id"`
		MemID      string   `json:"mem_id"`
		Alias      string   `json:"alias"`
		Full       bool     `json:"full"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "ERROR: malformed tool arguments: " + err.Error()
	}

	var sourceID, content string
	switch call.Function.Name {
	case "rb_list_events":
		return s.derefListEvents(ctx, runID, snap, args.EventTypes, args.Limit)

	case "rb_open_event":
		event, err := s.db.GetEvent(ctx, runID, args.EventID)
		if err != nil {
			return fmt.Sprintf("ERROR: event %q not found.", args.EventID)
		}
		if forbiddenEventType(event.Type) {
			return fmt.Sprintf("ERROR: event type %q is model-generated and cannot be opened; only factual events are available.", event.Type)
		}
		raw, _ := json.Marshal(event.Payload)
		sourceID, content = event.ID, string(raw)

	case "rb_open_memory":
		item, err := s.bank.Get(ctx, args.MemID)
		if err != nil {
			return fmt.Sprintf("ERROR: memory %q not found.", args.MemID)
		}
		sourceID, content = item.ID, item.Content

	case "rb_open_evidence":
		ev, err := s.db.GetEvidenceItem(ctx, runID, args.Alias)
		if err != nil {
			return fmt.Sprintf("ERROR: evidence alias %q not found in this run.", args.Alias)
		}
		sourceID, content = ev.Alias, ev.Content

	case "rb_open_feedback":
		fb, err := s.db.GetFeedbackForRun(ctx, runID)
		if err != nil {
			return "ERROR: no feedback recorded for this run."
		}
		raw, _ := json.Marshal(fb)
		sourceID, content = fb.ID, string(raw)

	case "rb_open_run_output":
		event, err := s.db.GetLatestEvent(ctx, runID, "final_output")
		if err != nil {
			return "ERROR: this run has no final output."
		}
		raw, _ := json.Marshal(event.Payload)
		sourceID, content = event.ID, string(raw)

	default:
		return fmt.Sprintf("ERROR: unknown tool %q", call.Function.Name)
	}

	served, mode, err := d.serve(content, args.Full)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	_, _ = s.db.AppendEvent(ctx, runID, "rb_source_opened", map[string]any{
		"tool":   call.Function.Name,
		"source": sourceID,
		"mode":   mode,
		"chars":  len(served),
	})
	return served
}

func (s *Service) derefListEvents(ctx context.Context, runID string, snap snapshot, types []string, limit int) string {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	until := snap.TraceCutoff
	events, err := s.db.ListLatestEvents(ctx, runID, limit, storage.EventFilter{
		EventTypes: types,
		Until:      &until,
	})
	if err != nil {
		return "ERROR: list events failed: " + err.Error()
	}

	var b strings.Builder
	n := 0
	for _, e := range events {
		if forbiddenEventType(e.Type) {
			continue
		}
		fmt.Fprintf(&b, "%s  %s  %s\n", e.ID, e.Type, e.CreatedAt.Format(time.RFC3339))
		n++
	}
	if n == 0 {
		return "No events available."
	}
	return b.String()
}
