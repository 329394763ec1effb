package server

import (
	"net/http"
	"strings"

	"github.com/crucible-ai/crucible/internal/model"
)

// CreateProductRequest is the payload for POST /v1/products.
type CreateProductRequest struct {
	Name  string         `json:"name"`
	Extra map[string]any `json:"extra,omitempty"`
}

// HandleCreateProduct handles POST /v1/products.
func (h *Handlers) HandleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	product, err := h.db.CreateProduct(r.Context(), req.Name, req.Extra)
	if err != nil {
		h.writeInternalError(w, r, "failed to create product", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, product)
}

// HandleListProducts handles GET /v1/products. Optional status filter.
func (h *Handlers) HandleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.db.ListProducts(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 100))
	if err != nil {
		h.writeInternalError(w, r, "failed to list products", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": products})
}

// UpdateProductRequest is the payload for PATCH /v1/products/{product_id}.
type UpdateProductRequest struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

// HandleUpdateProduct handles PATCH /v1/products/{product_id}.
func (h *Handlers) HandleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req UpdateProductRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Name == nil && req.Status == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "nothing to update")
		return
	}
	if req.Status != nil && *req.Status != "active" && *req.Status != "archived" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be active or archived")
		return
	}

	product, err := h.db.UpdateProduct(r.Context(), r.PathValue("product_id"), req.Name, req.Status)
	if err != nil {
		writeNotFoundOrInternal(h, w, r, err, "product not found", "failed to update product")
		return
	}
	writeJSON(w, r, http.StatusOK, product)
}
