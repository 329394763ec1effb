package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// HandleListMemories handles GET /v1/memories, browsing the relational
// memory index. Query params: limit, cursor, status, role, type.
func (h *Handlers) HandleListMemories(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	cursor, err := storage.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid cursor")
		return
	}

	q := r.URL.Query()
	if role := q.Get("role"); role != "" && !model.ValidMemoryRole(role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role")
		return
	}
	if typ := q.Get("type"); typ != "" && !model.ValidMemoryType(typ) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown type")
		return
	}
	filter := storage.MemoryIndexFilter{
		Status: model.MemoryStatus(q.Get("status")),
		Role:   model.MemoryRole(q.Get("role")),
		Type:   model.MemoryType(q.Get("type")),
	}

	page, err := h.db.ListMemoryIndexPage(r.Context(), limit, cursor, filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list memories", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// HandleGetMemory handles GET /v1/memories/{mem_id}. The content comes from
// the vector store; the index only carries metadata.
func (h *Handlers) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	item, err := h.bank.Get(r.Context(), r.PathValue("mem_id"))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "memory not found")
			return
		}
		h.writeInternalError(w, r, "failed to get memory", err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// CreateMemoryNoteRequest is the payload for POST /v1/memories.
type CreateMemoryNoteRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HandleCreateMemoryNote handles POST /v1/memories. Operator-entered notes
// land as manual_note items so learned bank items stay distinguishable.
func (h *Handlers) HandleCreateMemoryNote(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoryNoteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}
	if req.Role == "" {
		req.Role = string(model.RoleGlobal)
	}
	if !model.ValidMemoryRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role")
		return
	}

	item, err := h.bank.Save(r.Context(), model.MemoryItem{
		Status:  model.MemoryActive,
		Role:    model.MemoryRole(req.Role),
		Type:    model.TypeManualNote,
		Content: req.Content,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to save memory", err)
		return
	}
	h.recordMemoryMutation(r, "operator", "manual note created", nil, item)

	writeJSON(w, r, http.StatusCreated, item)
}

// HandleArchiveMemory handles POST /v1/memories/{mem_id}/archive. Archiving
// is a soft status flip; content stays resolvable for old trace references.
func (h *Handlers) HandleArchiveMemory(w http.ResponseWriter, r *http.Request) {
	memID := r.PathValue("mem_id")
	before, err := h.bank.Get(r.Context(), memID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "memory not found")
			return
		}
		h.writeInternalError(w, r, "failed to get memory", err)
		return
	}

	item, err := h.bank.Archive(r.Context(), memID)
	if err != nil {
		h.writeInternalError(w, r, "failed to archive memory", err)
		return
	}
	h.recordMemoryMutation(r, "operator", "manual archive", &before, item)

	writeJSON(w, r, http.StatusOK, item)
}

// SearchMemoriesRequest is the payload for POST /v1/memories/search.
type SearchMemoriesRequest struct {
	Query  string `json:"query"`
	Role   string `json:"role,omitempty"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// HandleSearchMemories handles POST /v1/memories/search.
func (h *Handlers) HandleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req SearchMemoriesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	if req.Role != "" && !model.ValidMemoryRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role")
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 10
	}
	status := model.MemoryActive
	if req.Status != "" {
		status = model.MemoryStatus(req.Status)
	}

	results, err := h.bank.SearchFiltered(r.Context(), req.Query, memory.QueryFilter{
		Status: status,
		Role:   model.MemoryRole(req.Role),
		Type:   model.MemoryType(req.Type),
	}, req.Limit)
	if err != nil {
		h.writeInternalError(w, r, "memory search failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": results})
}

// recordMemoryMutation keeps the edit log and the browse index in sync with
// the vector store. Best-effort from the API path: the vector store is the
// source of truth for content.
func (h *Handlers) recordMemoryMutation(r *http.Request, actor, reason string, before *model.MemoryItem, after model.MemoryItem) {
	toMap := func(item *model.MemoryItem) map[string]any {
		if item == nil {
			return nil
		}
		return map[string]any{
			"mem_id":  item.ID,
			"status":  item.Status,
			"role":    item.Role,
			"type":    item.Type,
			"content": item.Content,
		}
	}
	if _, err := h.db.AppendMemEditLog(r.Context(), after.ID, actor, &reason, toMap(before), toMap(&after)); err != nil {
		h.logger.Error("failed to append mem edit log", "mem_id", after.ID, "error", err)
	}
	if err := h.db.UpsertMemoryIndex(r.Context(), after); err != nil {
		h.logger.Error("failed to sync memory index", "mem_id", after.ID, "error", err)
	}
}
