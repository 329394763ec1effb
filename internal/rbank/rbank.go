// Package rbank implements the reasoning-bank learn/rollback protocol: once
// a run has feedback, a learn pass consolidates the run's evidence and
// outcome into long-term memory as one reversible delta.
package rbank

import (
	"context"
	"log/slog"

	"github.com/crucible-ai/crucible/internal/llm"
	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// ChatClient is the chat-completion collaborator used for extraction and
// merge synthesis.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
}

// MemoryBank is the memory surface the learn/rollback protocol needs.
// Satisfied by *memory.Bank.
type MemoryBank interface {
	Save(ctx context.Context, item model.MemoryItem) (model.MemoryItem, error)
	Restore(ctx context.Context, item model.MemoryItem) error
	Get(ctx context.Context, memID string) (model.MemoryItem, error)
	Search(ctx context.Context, text string, role model.MemoryRole, limit int) ([]model.ScoredMemory, error)
	SearchFiltered(ctx context.Context, text string, f memory.QueryFilter, limit int) ([]model.ScoredMemory, error)
	Archive(ctx context.Context, memID string) (model.MemoryItem, error)
}

// Config tunes the learn protocol.
type Config struct {
	// Retrieval context sizes for the extraction prompt.
	KRole   int
	KGlobal int

	// NearDuplicateThreshold is the minimum similarity (1 - distance) at
	// which a proposal merges into an existing item instead of inserting.
	NearDuplicateThreshold float64

	// Extraction loop bounds.
	MaxExtractTurns int
	Budget          DerefBudget

	// StrategyVersion is stamped into every delta for later migration.
	StrategyVersion int

	// DryRun skips the LLM and emits synthetic items.
	DryRun bool
}

// DerefBudget bounds the facts-only dereference tool loop available to the
// extractor.
type DerefBudget struct {
	MaxCallsTotal int // all tool calls
	MaxFullCalls  int // calls served at full length
	MaxCharsTotal int // total characters handed to the model
	ExcerptChars  int // per-source excerpt cap
	FullChars     int // per-source full cap
}

// Service runs learn and rollback passes.
type Service struct {
	db     *storage.DB
	bank   MemoryBank
	chat   ChatClient
	logger *slog.Logger
	cfg    Config
}

// New creates a Service.
func New(db *storage.DB, bank MemoryBank, chat ChatClient, cfg Config, logger *slog.Logger) *Service {
	if cfg.KRole <= 0 {
		cfg.KRole = 3
	}
	if cfg.KGlobal <= 0 {
		cfg.KGlobal = 2
	}
	if cfg.NearDuplicateThreshold <= 0 {
		cfg.NearDuplicateThreshold = 0.9
	}
	if cfg.MaxExtractTurns <= 0 {
		cfg.MaxExtractTurns = 12
	}
	if cfg.Budget.MaxCallsTotal <= 0 {
		cfg.Budget.MaxCallsTotal = 20
	}
	if cfg.Budget.MaxFullCalls <= 0 {
		cfg.Budget.MaxFullCalls = 5
	}
	if cfg.Budget.MaxCharsTotal <= 0 {
		cfg.Budget.MaxCharsTotal = 60000
	}
	if cfg.Budget.ExcerptChars <= 0 {
		cfg.Budget.ExcerptChars = 600
	}
	if cfg.Budget.FullChars <= 0 {
		cfg.Budget.FullChars = 6000
	}
	if cfg.StrategyVersion <= 0 {
		cfg.StrategyVersion = 1
	}
	return &Service{db: db, bank: bank, chat: chat, logger: logger, cfg: cfg}
}
