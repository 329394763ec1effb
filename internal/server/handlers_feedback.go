package server

import (
	"errors"
	"net/http"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// PutFeedbackRequest is the payload for PUT /v1/runs/{run_id}/feedback.
type PutFeedbackRequest struct {
	Score    *float64               `json:"score,omitempty"`
	Pros     string                 `json:"pros"`
	Cons     string                 `json:"cons"`
	Other    string                 `json:"other"`
	Products []FeedbackProductEntry `json:"products"`
	Extra    map[string]any         `json:"extra,omitempty"`
}

// FeedbackProductEntry is one measured product value.
type FeedbackProductEntry struct {
	ProductID string  `json:"product_id"`
	Value     float64 `json:"value"`
}

// HandlePutFeedback handles PUT /v1/runs/{run_id}/feedback. The write is an
// upsert; each successful submission also enqueues a reasoning-bank learn
// job so memory converges on the latest outcome.
func (h *Handlers) HandlePutFeedback(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	var req PutFeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	for _, p := range req.Products {
		if p.ProductID == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "every product entry needs a product_id")
			return
		}
		if p.Value < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "product values must be non-negative")
			return
		}
	}

	in := storage.FeedbackInput{
		Score: req.Score,
		Pros:  req.Pros,
		Cons:  req.Cons,
		Other: req.Other,
		Extra: req.Extra,
	}
	for _, p := range req.Products {
		in.Products = append(in.Products, storage.FeedbackProductInput{ProductID: p.ProductID, Value: p.Value})
	}

	fb, err := h.db.UpsertFeedback(r.Context(), runID, in)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run or product not found")
			return
		}
		h.writeInternalError(w, r, "failed to save feedback", err)
		return
	}

	var job *model.RBJob
	if h.learner != nil {
		enqueued, err := h.learner.EnqueueLearnJob(r.Context(), runID)
		if err != nil {
			// Feedback is saved; the learn job can be enqueued again via
			// the rb/learn endpoint.
			h.logger.Warn("feedback saved but learn enqueue failed", "run_id", runID, "error", err)
		} else {
			job = &enqueued
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"feedback": fb,
		"rb_job":   job,
	})
}

// HandleGetFeedback handles GET /v1/runs/{run_id}/feedback.
func (h *Handlers) HandleGetFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := h.db.GetFeedbackForRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeNotFoundOrInternal(h, w, r, err, "no feedback for this run", "failed to get feedback")
		return
	}
	writeJSON(w, r, http.StatusOK, fb)
}
