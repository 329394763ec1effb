package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// FeedbackInput is the operator-supplied experiment outcome for a run.
type FeedbackInput struct {
	Score    *float64
	Pros     string
	Cons     string
	Other    string
	Products []FeedbackProductInput
	Extra    map[string]any
}

// FeedbackProductInput is one measured value for a catalog product.
type FeedbackProductInput struct {
	ProductID string
	Value     float64
}

// UpsertFeedback writes the single feedback record for a run, replacing any
// previous one and its product rows in one transaction. Product fractions are
// recomputed from the submitted values; a zero or negative sum yields all-zero
// fractions.
func (db *DB) UpsertFeedback(ctx context.Context, runID string, in FeedbackInput) (model.Feedback, error) {
	if _, err := db.GetRun(ctx, runID); err != nil {
		return model.Feedback{}, err
	}
	for _, fp := range in.Products {
		if _, err := db.GetProduct(ctx, fp.ProductID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return model.Feedback{}, fmt.Errorf("storage: upsert feedback: unknown product %s: %w", fp.ProductID, ErrNotFound)
			}
			return model.Feedback{}, err
		}
	}
	if in.Extra == nil {
		in.Extra = map[string]any{}
	}

	var sum float64
	for _, fp := range in.Products {
		sum += fp.Value
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: begin upsert feedback: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	feedbackID := model.NewID("fb")
	err = tx.QueryRow(ctx,
		`INSERT INTO feedback (feedback_id, run_id, created_at, updated_at, score, pros, cons, other, schema_version, extra)
		 VALUES ($1, $2, $3, $3, $4, $5, $6, $7, 1, $8)
		 ON CONFLICT (run_id) DO UPDATE SET
		   updated_at = EXCLUDED.updated_at,
		   score = EXCLUDED.score,
		   pros = EXCLUDED.pros,
		   cons = EXCLUDED.cons,
		   other = EXCLUDED.other,
		   extra = EXCLUDED.extra
		 RETURNING feedback_id`,
		feedbackID, runID, now, in.Score, in.Pros, in.Cons, in.Other, in.Extra,
	).Scan(&feedbackID)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: upsert feedback: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM feedback_products WHERE feedback_id = $1`, feedbackID); err != nil {
		return model.Feedback{}, fmt.Errorf("storage: clear feedback products: %w", err)
	}
	for _, fp := range in.Products {
		fraction := 0.0
		if sum > 0 {
			fraction = fp.Value / sum
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO feedback_products (feedback_product_id, feedback_id, product_id, created_at, updated_at, value, fraction)
			 VALUES ($1, $2, $3, $4, $4, $5, $6)`,
			model.NewID("fbp"), feedbackID, fp.ProductID, now, fp.Value, fraction,
		); err != nil {
			return model.Feedback{}, fmt.Errorf("storage: insert feedback product: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Feedback{}, fmt.Errorf("storage: commit upsert feedback: %w", err)
	}
	return db.GetFeedbackForRun(ctx, runID)
}

// GetFeedbackForRun returns the feedback record for a run with its product
// rows joined in, or ErrNotFound when the run has no feedback yet.
func (db *DB) GetFeedbackForRun(ctx context.Context, runID string) (model.Feedback, error) {
	var fb model.Feedback
	err := db.pool.QueryRow(ctx,
		`SELECT feedback_id, run_id, created_at, updated_at, score, pros, cons, other, schema_version, extra
		 FROM feedback WHERE run_id = $1`, runID,
	).Scan(&fb.ID, &fb.RunID, &fb.CreatedAt, &fb.UpdatedAt, &fb.Score, &fb.Pros, &fb.Cons, &fb.Other, &fb.SchemaVersion, &fb.Extra)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Feedback{}, ErrNotFound
		}
		return model.Feedback{}, fmt.Errorf("storage: get feedback: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT fp.feedback_product_id, fp.product_id, p.name, p.status, fp.value, fp.fraction
		 FROM feedback_products fp
		 JOIN products p ON p.product_id = fp.product_id
		 WHERE fp.feedback_id = $1
		 ORDER BY fp.value DESC, fp.product_id ASC`, fb.ID)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: get feedback products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fp model.FeedbackProduct
		if err := rows.Scan(&fp.ID, &fp.ProductID, &fp.ProductName, &fp.ProductStatus, &fp.Value, &fp.Fraction); err != nil {
			return model.Feedback{}, fmt.Errorf("storage: scan feedback product: %w", err)
		}
		fb.Products = append(fb.Products, fp)
	}
	if err := rows.Err(); err != nil {
		return model.Feedback{}, fmt.Errorf("storage: get feedback products: %w", err)
	}
	return fb, nil
}
