package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// KBChunk is one embedded knowledge-base chunk. Ref is the stable citation
// key handed out to the planning engine.
type KBChunk struct {
	Ref       string    `json:"ref"`
	Namespace string    `json:"namespace"`
	Source    string    `json:"source"`
	OriginID  string    `json:"origin_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredKBChunk pairs a chunk with its cosine distance from a query vector.
type ScoredKBChunk struct {
	Chunk    KBChunk `json:"chunk"`
	Distance float64 `json:"distance"`
}

// UpsertKBChunks writes chunks with their embeddings, replacing content and
// embedding for refs that already exist. Re-ingest is the update path.
func (db *DB) UpsertKBChunks(ctx context.Context, chunks []KBChunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("storage: upsert kb chunks: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert kb chunks: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i, c := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO kb_chunks (ref, namespace, source, origin_id, content, embedding)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
			 ON CONFLICT (ref) DO UPDATE SET
			   namespace = EXCLUDED.namespace,
			   source = EXCLUDED.source,
			   origin_id = EXCLUDED.origin_id,
			   content = EXCLUDED.content,
			   embedding = EXCLUDED.embedding`,
			c.Ref, c.Namespace, c.Source, c.OriginID, c.Content, pgvector.NewVector(embeddings[i]),
		); err != nil {
			return fmt.Errorf("storage: upsert kb chunk %s: %w", c.Ref, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert kb chunks: %w", err)
	}
	return nil
}

// SearchKBChunks returns the topK chunks nearest to the query embedding by
// cosine distance, scoped to a namespace when one is given.
func (db *DB) SearchKBChunks(ctx context.Context, embedding []float32, namespace string, topK int) ([]ScoredKBChunk, error) {
	if topK <= 0 {
		topK = 5
	}

	query := `SELECT ref, namespace, source, COALESCE(origin_id, ''), content, created_at,
	                 embedding <=> $1 AS distance
	          FROM kb_chunks`
	args := []any{pgvector.NewVector(embedding)}
	if namespace != "" {
		args = append(args, namespace)
		query += fmt.Sprintf(` WHERE namespace = $%d`, len(args))
	}
	args = append(args, topK)
	query += fmt.Sprintf(` ORDER BY distance ASC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search kb chunks: %w", err)
	}
	defer rows.Close()

	var results []ScoredKBChunk
	for rows.Next() {
		var s ScoredKBChunk
		if err := rows.Scan(&s.Chunk.Ref, &s.Chunk.Namespace, &s.Chunk.Source, &s.Chunk.OriginID,
			&s.Chunk.Content, &s.Chunk.CreatedAt, &s.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan kb chunk: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// GetKBChunk retrieves one chunk by ref.
func (db *DB) GetKBChunk(ctx context.Context, ref string) (KBChunk, error) {
	var c KBChunk
	err := db.pool.QueryRow(ctx,
		`SELECT ref, namespace, source, COALESCE(origin_id, ''), content, created_at
		 FROM kb_chunks WHERE ref = $1`, ref,
	).Scan(&c.Ref, &c.Namespace, &c.Source, &c.OriginID, &c.Content, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return KBChunk{}, ErrNotFound
		}
		return KBChunk{}, fmt.Errorf("storage: get kb chunk: %w", err)
	}
	return c, nil
}

// ListKBChunks returns chunks in a namespace newest-first, bounded by limit.
func (db *DB) ListKBChunks(ctx context.Context, namespace string, limit int) ([]KBChunk, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ref, namespace, source, COALESCE(origin_id, ''), content, created_at FROM kb_chunks`
	args := []any{}
	if namespace != "" {
		args = append(args, namespace)
		query += fmt.Sprintf(` WHERE namespace = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, ref DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list kb chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KBChunk
	for rows.Next() {
		var c KBChunk
		if err := rows.Scan(&c.Ref, &c.Namespace, &c.Source, &c.OriginID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan kb chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
