package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the Crucible HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Deps         HandlersDeps
	Logger       *slog.Logger
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Deps)

	mux := http.NewServeMux()

	// Batches.
	mux.HandleFunc("POST /v1/batches", h.HandleCreateBatch)
	mux.HandleFunc("GET /v1/batches", h.HandleListBatches)
	mux.HandleFunc("GET /v1/batches/{batch_id}", h.HandleGetBatch)
	mux.HandleFunc("GET /v1/batches/{batch_id}/runs", h.HandleListBatchRuns)
	mux.HandleFunc("POST /v1/batches/{batch_id}/cancel", h.HandleCancelBatch)

	// Runs and their trace.
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleListRunEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/evidence", h.HandleListRunEvidence)
	mux.HandleFunc("GET /v1/runs/{run_id}/evidence/{alias}", h.HandleGetRunEvidence)
	mux.HandleFunc("GET /v1/runs/{run_id}/output", h.HandleGetRunOutput)

	// Feedback.
	mux.HandleFunc("PUT /v1/runs/{run_id}/feedback", h.HandlePutFeedback)
	mux.HandleFunc("GET /v1/runs/{run_id}/feedback", h.HandleGetFeedback)

	// Memories.
	mux.HandleFunc("GET /v1/memories", h.HandleListMemories)
	mux.HandleFunc("POST /v1/memories", h.HandleCreateMemoryNote)
	mux.HandleFunc("GET /v1/memories/{mem_id}", h.HandleGetMemory)
	mux.HandleFunc("POST /v1/memories/{mem_id}/archive", h.HandleArchiveMemory)
	mux.HandleFunc("POST /v1/memories/search", h.HandleSearchMemories)

	// Reasoning bank.
	mux.HandleFunc("GET /v1/runs/{run_id}/rb/jobs", h.HandleListRBJobs)
	mux.HandleFunc("GET /v1/runs/{run_id}/rb/deltas", h.HandleListRBDeltas)
	mux.HandleFunc("POST /v1/runs/{run_id}/rb/learn", h.HandleEnqueueLearn)
	mux.HandleFunc("POST /v1/runs/{run_id}/rb/rollback", h.HandleRollback)

	// Products.
	mux.HandleFunc("POST /v1/products", h.HandleCreateProduct)
	mux.HandleFunc("GET /v1/products", h.HandleListProducts)
	mux.HandleFunc("PATCH /v1/products/{product_id}", h.HandleUpdateProduct)

	// Health.
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
