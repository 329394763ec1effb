// Package kb provides retrieval over the embedded knowledge base. Chunks
// live in Postgres with pgvector embeddings; refs are stable citation keys.
package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/crucible-ai/crucible/internal/service/embedding"
	"github.com/crucible-ai/crucible/internal/storage"
)

// Well-known namespaces. A namespace isolates one corpus; searches never
// cross namespaces unless the request names none.
const (
	NamespacePrinciples = "kb_principles"
	NamespaceModulation = "kb_modulation"
)

// Query modes accepted on search requests. All modes run dense retrieval
// here; the mode is kept on the request so traces record what the planner
// asked for and graph-based modes can be added behind the same surface.
var validModes = map[string]bool{
	"mix":    true,
	"local":  true,
	"global": true,
	"hybrid": true,
	"naive":  true,
}

// ValidMode reports whether mode is an accepted query mode.
func ValidMode(mode string) bool {
	return validModes[mode]
}

// SearchRequest is one retrieval call from the planning engine.
type SearchRequest struct {
	Query     string
	Namespace string // empty searches all namespaces
	Mode      string // defaults to "mix"
	TopK      int
}

// Result is one retrieved chunk with its cosine distance. OriginID carries
// the ingest-time document identity through traces and citations.
type Result struct {
	Ref       string  `json:"ref"`
	Namespace string  `json:"namespace"`
	Source    string  `json:"source"`
	OriginID  string  `json:"origin_id,omitempty"`
	Content   string  `json:"content"`
	Distance  float64 `json:"distance"`
}

// Searcher runs embedded similarity search over kb_chunks. Identical
// concurrent queries are deduplicated with singleflight so a burst of runs
// asking the same question costs one embedding call.
type Searcher struct {
	db       *storage.DB
	embedder embedding.Provider
	logger   *slog.Logger
	group    singleflight.Group
}

// NewSearcher creates a Searcher.
func NewSearcher(db *storage.DB, embedder embedding.Provider, logger *slog.Logger) *Searcher {
	return &Searcher{db: db, embedder: embedder, logger: logger}
}

// Search retrieves the nearest chunks for a query.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("kb: empty query")
	}
	if req.Mode == "" {
		req.Mode = "mix"
	}
	if !ValidMode(req.Mode) {
		return nil, fmt.Errorf("kb: unknown query mode %q", req.Mode)
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	v, err, shared := s.group.Do(searchKey(req), func() (any, error) {
		return s.searchOnce(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("kb: deduplicated concurrent search", "namespace", req.Namespace)
	}
	return v.([]Result), nil
}

func (s *Searcher) searchOnce(ctx context.Context, req SearchRequest) ([]Result, error) {
	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("kb: embed query: %w", err)
	}

	scored, err := s.db.SearchKBChunks(ctx, vec.Slice(), req.Namespace, req.TopK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(scored))
	for i, sc := range scored {
		results[i] = Result{
			Ref:       sc.Chunk.Ref,
			Namespace: sc.Chunk.Namespace,
			Source:    sc.Chunk.Source,
			OriginID:  sc.Chunk.OriginID,
			Content:   sc.Chunk.Content,
			Distance:  sc.Distance,
		}
	}
	return results, nil
}

// searchKey is the singleflight key for one search request. Every field that
// shapes the result set participates, mode included.
func searchKey(req SearchRequest) string {
	return req.Namespace + "\x00" + req.Mode + "\x00" + req.Query + "\x00" + strconv.Itoa(req.TopK)
}

// Get retrieves one chunk by ref.
func (s *Searcher) Get(ctx context.Context, ref string) (storage.KBChunk, error) {
	return s.db.GetKBChunk(ctx, ref)
}

// List returns chunks in a namespace, newest first.
func (s *Searcher) List(ctx context.Context, namespace string, limit int) ([]storage.KBChunk, error) {
	return s.db.ListKBChunks(ctx, namespace, limit)
}

// Document is one source text to ingest.
type Document struct {
	OriginID string
	Text     string
}

// maxChunkChars bounds chunk size at ingest. Paragraphs are packed greedily
// up to this limit; a single oversized paragraph becomes its own chunk.
const maxChunkChars = 1200

// Ingest chunks, embeds, and upserts documents into a namespace. Refs are
// content-addressed, so re-ingesting unchanged text is a no-op overwrite.
func (s *Searcher) Ingest(ctx context.Context, namespace, source string, docs []Document) (int, error) {
	var chunks []storage.KBChunk
	var texts []string
	for _, doc := range docs {
		for _, piece := range splitChunks(doc.Text) {
			chunks = append(chunks, storage.KBChunk{
				Ref:       ChunkRef(namespace, piece),
				Namespace: namespace,
				Source:    source,
				OriginID:  doc.OriginID,
				Content:   piece,
			})
			texts = append(texts, piece)
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("kb: embed %d chunks: %w", len(texts), err)
	}
	embeddings := make([][]float32, len(vecs))
	for i, v := range vecs {
		embeddings[i] = v.Slice()
	}

	if err := s.db.UpsertKBChunks(ctx, chunks, embeddings); err != nil {
		return 0, err
	}
	s.logger.Info("kb: ingested chunks", "namespace", namespace, "source", source, "count", len(chunks))
	return len(chunks), nil
}

// ChunkRef derives the stable citation key for a chunk's content.
func ChunkRef(namespace, content string) string {
	sum := sha256.Sum256([]byte(content))
	return "kb:" + namespace + ":" + hex.EncodeToString(sum[:])[:16]
}

func splitChunks(text string) []string {
	paras := strings.Split(text, "\n\n")
	var chunks []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
	}
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p)+2 > maxChunkChars {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
		if buf.Len() >= maxChunkChars {
			flush()
		}
	}
	flush()
	return chunks
}
