package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	h.handleCancel(w, r, model.CancelTargetRun, r.PathValue("run_id"))
}

// HandleListRunEvents handles GET /v1/runs/{run_id}/events.
// Query params: limit, cursor, event_types (comma-separated), include_payload.
func (h *Handlers) HandleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	limit := queryInt(r, "limit", 100)
	cursor, err := storage.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid cursor")
		return
	}

	filter := storage.EventFilter{
		IncludePayload: r.URL.Query().Get("include_payload") == "true",
	}
	if types := r.URL.Query().Get("event_types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, t)
			}
		}
	}

	page, err := h.db.ListEventsPage(r.Context(), runID, limit, cursor, filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list events", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// HandleListRunEvidence handles GET /v1/runs/{run_id}/evidence.
func (h *Handlers) HandleListRunEvidence(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	items, hasMore, err := h.db.ListEvidencePage(r.Context(), runID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list evidence", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":    items,
		"has_more": hasMore,
	})
}

// HandleGetRunEvidence handles GET /v1/runs/{run_id}/evidence/{alias}.
func (h *Handlers) HandleGetRunEvidence(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	item, err := h.db.GetEvidenceItem(r.Context(), runID, r.PathValue("alias"))
	if err != nil {
		writeNotFoundOrInternal(h, w, r, err, "evidence alias not found", "failed to get evidence")
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// HandleGetRunOutput handles GET /v1/runs/{run_id}/output. The output is the
// payload of the run's final_output trace event.
func (h *Handlers) HandleGetRunOutput(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	event, err := h.db.GetLatestEvent(r.Context(), runID, "final_output")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run has no output yet")
			return
		}
		h.writeInternalError(w, r, "failed to get output", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"event_id":   event.ID,
		"created_at": event.CreatedAt,
		"output":     event.Payload["output"],
		"citations":  event.Payload["citations"],
		"memories":   event.Payload["memories"],
	})
}
