// Command crucible runs the durable experiment-planning service: HTTP API,
// background worker, Postgres-backed run store, and Qdrant-backed memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/kb"
	"github.com/crucible-ai/crucible/internal/llm"
	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/rbank"
	"github.com/crucible-ai/crucible/internal/recap"
	"github.com/crucible-ai/crucible/internal/server"
	"github.com/crucible-ai/crucible/internal/service/embedding"
	"github.com/crucible-ai/crucible/internal/storage"
	"github.com/crucible-ai/crucible/internal/telemetry"
	"github.com/crucible-ai/crucible/internal/worker"
	"github.com/crucible-ai/crucible/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("CRUCIBLE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("crucible starting", "version", version, "port", cfg.Port, "dry_run", cfg.DryRun)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	store, err := memory.NewStore(memory.Config{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.MemoryCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("memory store ensure collection: %w", err)
	}

	embedder, err := embedding.New(cfg.EmbeddingProvider, cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	bank := memory.NewBank(store, embedder)
	kbSearcher := kb.NewSearcher(db, embedder, logger)
	chat := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	learner := rbank.New(db, bank, chat, rbank.Config{
		KRole:                  cfg.RBKRole,
		KGlobal:                cfg.RBKGlobal,
		NearDuplicateThreshold: cfg.RBNearDuplicateThreshold,
		MaxExtractTurns:        cfg.RBMaxExtractTurns,
		Budget: rbank.DerefBudget{
			MaxCallsTotal: cfg.RBMaxCallsTotal,
			MaxFullCalls:  cfg.RBMaxFullCalls,
			MaxCharsTotal: cfg.RBMaxCharsTotal,
			ExcerptChars:  cfg.RBExcerptChars,
			FullChars:     cfg.RBFullChars,
		},
		StrategyVersion: cfg.RBStrategyVersion,
		DryRun:          cfg.DryRun,
	}, logger)

	w := worker.New(db, chat, kbSearcher, bank, learner, worker.Config{
		PollInterval: cfg.PollInterval,
		DryRun:       cfg.DryRun,
		Recap: recap.Config{
			MaxSteps:         cfg.MaxSteps,
			MaxDepth:         cfg.MaxDepth,
			MaxRounds:        cfg.MaxRounds,
			MaxGenerateTurns: cfg.MaxGenerateTurns,
			MaxFullChunks:    cfg.MaxFullChunks,
			MaxFullMemories:  cfg.MaxFullMemories,
			KBTopK:           cfg.KBTopK,
			KBListLimit:      cfg.KBListLimit,
			MemSearchLimit:   cfg.MemSearchLimit,
			MemListLimit:     cfg.MemListLimit,
			AliasPrefix:      cfg.AliasPrefix,
			Temperature:      &cfg.LLMTemperature,
		},
	}, logger)

	// Recover runs orphaned by a previous crash before claiming new work.
	if err := w.ReconcileOnStart(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	w.Start(ctx)

	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:                  db,
			Bank:                bank,
			Learner:             learner,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			NRunsMax:            cfg.NRunsMax,
			RecipesPerRunMax:    cfg.RecipesPerRunMax,
		},
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP requests first, then let the
	// worker finish its in-flight run, then close the stores.
	slog.Info("crucible shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	w.Drain(drainCtx)
	drainCancel()

	slog.Info("crucible stopped")
	return nil
}
