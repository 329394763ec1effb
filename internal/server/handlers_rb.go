package server

import (
	"errors"
	"net/http"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// HandleListRBJobs handles GET /v1/runs/{run_id}/rb/jobs.
func (h *Handlers) HandleListRBJobs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	jobs, err := h.db.ListRBJobsForRun(r.Context(), runID, queryInt(r, "limit", 50))
	if err != nil {
		h.writeInternalError(w, r, "failed to list rb jobs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": jobs})
}

// HandleListRBDeltas handles GET /v1/runs/{run_id}/rb/deltas.
// Optional status query param filters applied vs rolled_back.
func (h *Handlers) HandleListRBDeltas(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	status := model.DeltaStatus(r.URL.Query().Get("status"))
	deltas, err := h.db.ListRBDeltasForRun(r.Context(), runID, status, queryInt(r, "limit", 50))
	if err != nil {
		h.writeInternalError(w, r, "failed to list deltas", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": deltas})
}

// HandleEnqueueLearn handles POST /v1/runs/{run_id}/rb/learn. Requires
// feedback to exist; returns the queued (or already-queued) job.
func (h *Handlers) HandleEnqueueLearn(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	job, err := h.learner.EnqueueLearnJob(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"run has no feedback yet; submit feedback before learning")
			return
		}
		h.writeInternalError(w, r, "failed to enqueue learn job", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, job)
}

// RollbackRequest is the payload for POST /v1/runs/{run_id}/rb/rollback.
type RollbackRequest struct {
	DeltaID string `json:"delta_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// HandleRollback handles POST /v1/runs/{run_id}/rb/rollback. With no
// delta_id the newest applied delta for the run is rolled back.
func (h *Handlers) HandleRollback(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
		return
	}

	var req RollbackRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
			return
		}
	}

	deltaID, err := h.learner.RollbackDelta(r.Context(), runID, req.DeltaID, req.Reason)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no matching applied delta")
			return
		}
		h.writeInternalError(w, r, "rollback failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"delta_id": deltaID, "status": model.DeltaRolledBack})
}
