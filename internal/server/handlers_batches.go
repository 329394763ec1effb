package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// CreateBatchRequest is the payload for POST /v1/batches.
type CreateBatchRequest struct {
	UserRequest   string         `json:"user_request"`
	NRuns         int            `json:"n_runs"`
	RecipesPerRun int            `json:"recipes_per_run"`
	Config        map[string]any `json:"config,omitempty"`
}

// CreateBatchResponse returns the created batch and its queued runs.
type CreateBatchResponse struct {
	Batch model.Batch `json:"batch"`
	Runs  []model.Run `json:"runs"`
}

// HandleCreateBatch handles POST /v1/batches.
func (h *Handlers) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if strings.TrimSpace(req.UserRequest) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_request is required")
		return
	}
	if req.NRuns < 1 || req.NRuns > h.nRunsMax {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"n_runs must be between 1 and "+strconv.Itoa(h.nRunsMax))
		return
	}
	if req.RecipesPerRun < 1 || req.RecipesPerRun > h.recipesPerRunMax {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"recipes_per_run must be between 1 and "+strconv.Itoa(h.recipesPerRunMax))
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}

	batch, runs, err := h.db.CreateBatchWithRuns(r.Context(), req.UserRequest, req.NRuns, req.RecipesPerRun, req.Config)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeInternalError(w, r, "failed to create batch", err)
		return
	}

	resp := CreateBatchResponse{Batch: batch, Runs: runs}
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleListBatches handles GET /v1/batches.
func (h *Handlers) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	cursor, err := storage.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid cursor")
		return
	}

	page, err := h.db.ListBatchesPage(r.Context(), limit, cursor)
	if err != nil {
		h.writeInternalError(w, r, "failed to list batches", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// HandleGetBatch handles GET /v1/batches/{batch_id}.
func (h *Handlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.db.GetBatch(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "batch not found")
			return
		}
		h.writeInternalError(w, r, "failed to get batch", err)
		return
	}
	writeJSON(w, r, http.StatusOK, batch)
}

// HandleListBatchRuns handles GET /v1/batches/{batch_id}/runs.
func (h *Handlers) HandleListBatchRuns(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")
	if _, err := h.db.GetBatch(r.Context(), batchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "batch not found")
			return
		}
		h.writeInternalError(w, r, "failed to get batch", err)
		return
	}

	runs, err := h.db.ListRunsForBatch(r.Context(), batchID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": runs})
}

// CancelRequestBody is the optional payload for cancel endpoints.
type CancelRequestBody struct {
	Reason *string `json:"reason,omitempty"`
}

// HandleCancelBatch handles POST /v1/batches/{batch_id}/cancel.
func (h *Handlers) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	h.handleCancel(w, r, model.CancelTargetBatch, r.PathValue("batch_id"))
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request, target model.CancelTarget, targetID string) {
	var req CancelRequestBody
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
			return
		}
	}

	switch target {
	case model.CancelTargetBatch:
		if _, err := h.db.GetBatch(r.Context(), targetID); err != nil {
			writeNotFoundOrInternal(h, w, r, err, "batch not found", "failed to get batch")
			return
		}
	case model.CancelTargetRun:
		if _, err := h.db.GetRun(r.Context(), targetID); err != nil {
			writeNotFoundOrInternal(h, w, r, err, "run not found", "failed to get run")
			return
		}
	}

	cancelID, err := h.db.RequestCancel(r.Context(), target, targetID, req.Reason)
	if err != nil {
		h.writeInternalError(w, r, "failed to request cancel", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"cancel_id":   cancelID,
		"target_type": target,
		"target_id":   targetID,
	})
}

func writeNotFoundOrInternal(h *Handlers, w http.ResponseWriter, r *http.Request, err error, notFoundMsg, internalMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFoundMsg)
		return
	}
	h.writeInternalError(w, r, internalMsg, err)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
