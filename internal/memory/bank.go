package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/service/embedding"
)

// Bank pairs the vector store with an embedding provider, exposing the
// text-level operations the planning engine and learn protocol consume.
type Bank struct {
	store    *Store
	embedder embedding.Provider
}

// NewBank creates a Bank.
func NewBank(store *Store, embedder embedding.Provider) *Bank {
	return &Bank{store: store, embedder: embedder}
}

// Save embeds and upserts an item, defaulting id and timestamps. An existing
// item's created_at is preserved when the caller left it zero.
func (b *Bank) Save(ctx context.Context, item model.MemoryItem) (model.MemoryItem, error) {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = model.MemoryActive
	}
	if item.SchemaVersion == 0 {
		item.SchemaVersion = 1
	}
	if item.CreatedAt.IsZero() {
		if existing, err := b.store.Get(ctx, item.ID); err == nil {
			item.CreatedAt = existing.CreatedAt
		} else {
			item.CreatedAt = now
		}
	}
	item.UpdatedAt = now

	vec, err := b.embedder.Embed(ctx, item.Content)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("memory: embed content: %w", err)
	}
	if err := b.store.Upsert(ctx, item, vec.Slice()); err != nil {
		return model.MemoryItem{}, err
	}
	return item, nil
}

// Restore writes an item exactly as given, re-embedding its content.
// Rollback uses this to put pre-mutation snapshots back bit-for-bit,
// timestamps included.
func (b *Bank) Restore(ctx context.Context, item model.MemoryItem) error {
	vec, err := b.embedder.Embed(ctx, item.Content)
	if err != nil {
		return fmt.Errorf("memory: embed content: %w", err)
	}
	return b.store.Upsert(ctx, item, vec.Slice())
}

// Get retrieves one item.
func (b *Bank) Get(ctx context.Context, memID string) (model.MemoryItem, error) {
	return b.store.Get(ctx, memID)
}

// GetMany retrieves items by id; missing ids are absent from the result.
func (b *Bank) GetMany(ctx context.Context, memIDs []string) ([]model.MemoryItem, error) {
	return b.store.GetMany(ctx, memIDs)
}

// Search embeds the query text and returns the nearest items. A non-empty
// role restricts results to that role.
func (b *Bank) Search(ctx context.Context, text string, role model.MemoryRole, limit int) ([]model.ScoredMemory, error) {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	return b.store.Query(ctx, vec.Slice(), QueryFilter{Status: model.MemoryActive, Role: role}, limit)
}

// SearchFiltered is Search with the full filter surface exposed.
func (b *Bank) SearchFiltered(ctx context.Context, text string, f QueryFilter, limit int) ([]model.ScoredMemory, error) {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	return b.store.Query(ctx, vec.Slice(), f, limit)
}

// Archive flips an item to archived status. There is no delete; history is
// preserved through status.
func (b *Bank) Archive(ctx context.Context, memID string) (model.MemoryItem, error) {
	item, err := b.store.Get(ctx, memID)
	if err != nil {
		return model.MemoryItem{}, err
	}
	if item.Status == model.MemoryArchived {
		return item, nil
	}
	item.Status = model.MemoryArchived
	item.UpdatedAt = time.Now().UTC()
	if err := b.Restore(ctx, item); err != nil {
		return model.MemoryItem{}, err
	}
	return item, nil
}

// Healthy reports store reachability.
func (b *Bank) Healthy(ctx context.Context) error {
	return b.store.Healthy(ctx)
}
