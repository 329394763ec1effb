// Package memory is the long-term memory store for learned reasoning items,
// backed by a Qdrant collection. Item content and metadata live in point
// payloads; the relational browse index mirrors the metadata for listing.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/crucible-ai/crucible/internal/model"
)

// Config holds connection settings for the memory collection.
type Config struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Store is a Qdrant-backed memory store.
type Store struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// parseURL extracts host, port, and TLS flag from a Qdrant URL. The REST
// port 6333 is mapped to the gRPC port 6334.
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// NewStore connects to Qdrant via gRPC.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if missing and ensures payload
// indexes. CreateFieldIndex is idempotent on Qdrant, so indexes added later
// are backfilled on restart.
func (s *Store) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("memory: create collection %q: %w", s.collection, err)
		}
		s.logger.Info("memory: created collection", "collection", s.collection, "dims", s.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"status", "role", "type", "source_run_id"} {
		if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("memory: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Upsert writes a memory item and its embedding. The caller is responsible
// for carrying created_at forward on updates; Upsert stores exactly what it
// is given so rollback can restore pre-mutation snapshots bit-for-bit.
func (s *Store) Upsert(ctx context.Context, item model.MemoryItem, embedding []float32) error {
	if _, err := uuid.Parse(item.ID); err != nil {
		return fmt.Errorf("memory: item id must be a UUID, got %q", item.ID)
	}

	payload := map[string]any{
		"status":          string(item.Status),
		"role":            string(item.Role),
		"type":            string(item.Type),
		"content":         item.Content,
		"created_at_unix": float64(item.CreatedAt.UnixMicro()),
		"updated_at_unix": float64(item.UpdatedAt.UnixMicro()),
		"schema_version":  int64(item.SchemaVersion),
	}
	if item.SourceRunID != "" {
		payload["source_run_id"] = item.SourceRunID
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(item.ID),
			Vectors: qdrant.NewVectorsDense(embedding),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("memory: upsert item %s: %w", item.ID, err)
	}
	return nil
}

// ErrNotFound is returned when a memory item does not exist.
var ErrNotFound = fmt.Errorf("memory: item not found")

// Get retrieves one memory item by id.
func (s *Store) Get(ctx context.Context, memID string) (model.MemoryItem, error) {
	items, err := s.GetMany(ctx, []string{memID})
	if err != nil {
		return model.MemoryItem{}, err
	}
	if len(items) == 0 {
		return model.MemoryItem{}, ErrNotFound
	}
	return items[0], nil
}

// GetMany retrieves memory items by id. Missing ids are silently absent from
// the result; callers needing strictness compare lengths.
func (s *Store) GetMany(ctx context.Context, memIDs []string) ([]model.MemoryItem, error) {
	if len(memIDs) == 0 {
		return nil, nil
	}
	ids := make([]*qdrant.PointId, len(memIDs))
	for i, id := range memIDs {
		ids[i] = qdrant.NewID(id)
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: get %d items: %w", len(memIDs), err)
	}

	items := make([]model.MemoryItem, 0, len(points))
	for _, p := range points {
		item, err := itemFromPayload(p.Id.GetUuid(), p.Payload)
		if err != nil {
			s.logger.Warn("memory: skipping malformed point", "id", p.Id.GetUuid(), "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// QueryFilter narrows similarity queries. Empty fields mean "no constraint".
type QueryFilter struct {
	Status model.MemoryStatus
	Role   model.MemoryRole
	Type   model.MemoryType
}

// Query returns up to limit items nearest to the embedding, most similar
// first. Distance is 1 minus the cosine similarity score.
func (s *Store) Query(ctx context.Context, embedding []float32, f QueryFilter, limit int) ([]model.ScoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	var must []*qdrant.Condition
	if f.Status != "" {
		must = append(must, qdrant.NewMatch("status", string(f.Status)))
	}
	if f.Role != "" {
		must = append(must, qdrant.NewMatch("role", string(f.Role)))
	}
	if f.Type != "" {
		must = append(must, qdrant.NewMatch("type", string(f.Type)))
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          qdrant.PtrOf(uint64(limit)), //nolint:gosec
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(must) > 0 {
		query.Filter = &qdrant.Filter{Must: must}
	}

	scored, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}

	results := make([]model.ScoredMemory, 0, len(scored))
	for _, sp := range scored {
		item, err := itemFromPayload(sp.Id.GetUuid(), sp.Payload)
		if err != nil {
			s.logger.Warn("memory: skipping malformed point", "id", sp.Id.GetUuid(), "error", err)
			continue
		}
		results = append(results, model.ScoredMemory{Item: item, Distance: 1 - sp.Score})
	}
	return results, nil
}

// Healthy returns nil if Qdrant is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.client.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("memory: qdrant unhealthy: %w", err)
	}
	return nil
}

// Close shuts down the Qdrant gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func itemFromPayload(id string, payload map[string]*qdrant.Value) (model.MemoryItem, error) {
	if id == "" {
		return model.MemoryItem{}, fmt.Errorf("point has no UUID id")
	}
	item := model.MemoryItem{ID: id}

	str := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	item.Status = model.MemoryStatus(str("status"))
	item.Role = model.MemoryRole(str("role"))
	item.Type = model.MemoryType(str("type"))
	item.Content = str("content")
	item.SourceRunID = str("source_run_id")

	if v, ok := payload["created_at_unix"]; ok {
		item.CreatedAt = time.UnixMicro(int64(v.GetDoubleValue())).UTC()
	}
	if v, ok := payload["updated_at_unix"]; ok {
		item.UpdatedAt = time.UnixMicro(int64(v.GetDoubleValue())).UTC()
	}
	if v, ok := payload["schema_version"]; ok {
		item.SchemaVersion = int(v.GetIntegerValue())
	}

	if item.Content == "" {
		return model.MemoryItem{}, fmt.Errorf("point payload missing content")
	}
	return item, nil
}
