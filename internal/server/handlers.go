package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// Learner is the reasoning-bank surface the API needs: enqueue learn jobs
// and roll back deltas. Satisfied by *rbank.Service.
type Learner interface {
	EnqueueLearnJob(ctx context.Context, runID string) (model.RBJob, error)
	RollbackDelta(ctx context.Context, runID, deltaID, reason string) (string, error)
}

// MemoryBank is the memory surface the API needs. Satisfied by *memory.Bank.
type MemoryBank interface {
	Save(ctx context.Context, item model.MemoryItem) (model.MemoryItem, error)
	Get(ctx context.Context, memID string) (model.MemoryItem, error)
	SearchFiltered(ctx context.Context, text string, f memory.QueryFilter, limit int) ([]model.ScoredMemory, error)
	Archive(ctx context.Context, memID string) (model.MemoryItem, error)
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	bank                MemoryBank
	learner             Learner
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	nRunsMax            int
	recipesPerRunMax    int
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Bank                MemoryBank
	Learner             Learner
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	NRunsMax            int
	RecipesPerRunMax    int
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.NRunsMax <= 0 {
		d.NRunsMax = 20
	}
	if d.RecipesPerRunMax <= 0 {
		d.RecipesPerRunMax = 10
	}
	return &Handlers{
		db:                  d.DB,
		bank:                d.Bank,
		learner:             d.Learner,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		nRunsMax:            d.NRunsMax,
		recipesPerRunMax:    d.RecipesPerRunMax,
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"postgres": "ok", "memory_store": "ok"}
	if err := h.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.bank != nil {
		if err := h.bank.Healthy(ctx); err != nil {
			checks["memory_store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]any{
		"status":         http.StatusText(status),
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"checks":         checks,
	}
	writeJSON(w, r, status, body)
}
