package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crucible-ai/crucible/internal/model"
)

// CreateProduct inserts a catalog product in active status.
func (db *DB) CreateProduct(ctx context.Context, name string, extra map[string]any) (model.Product, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	now := time.Now().UTC()
	p := model.Product{
		ID:            model.NewID("prod"),
		CreatedAt:     now,
		UpdatedAt:     now,
		Name:          name,
		Status:        "active",
		SchemaVersion: 1,
		Extra:         extra,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO products (product_id, created_at, updated_at, name, status, schema_version, extra)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.CreatedAt, p.UpdatedAt, p.Name, p.Status, p.SchemaVersion, p.Extra,
	)
	if err != nil {
		return model.Product{}, fmt.Errorf("storage: create product: %w", err)
	}
	return p, nil
}

// GetProduct retrieves one product.
func (db *DB) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	var p model.Product
	err := db.pool.QueryRow(ctx,
		`SELECT product_id, created_at, updated_at, name, status, schema_version, extra
		 FROM products WHERE product_id = $1`, productID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.Name, &p.Status, &p.SchemaVersion, &p.Extra)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Product{}, ErrNotFound
		}
		return model.Product{}, fmt.Errorf("storage: get product: %w", err)
	}
	return p, nil
}

// ListProducts returns products newest-first, optionally restricted to one
// status ("active" or "archived").
func (db *DB) ListProducts(ctx context.Context, status string, limit int) ([]model.Product, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT product_id, created_at, updated_at, name, status, schema_version, extra FROM products`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, product_id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.Name, &p.Status, &p.SchemaVersion, &p.Extra); err != nil {
			return nil, fmt.Errorf("storage: scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpdateProduct renames or re-statuses a product. Nil fields are left as-is.
func (db *DB) UpdateProduct(ctx context.Context, productID string, name, status *string) (model.Product, error) {
	if status != nil && *status != "active" && *status != "archived" {
		return model.Product{}, fmt.Errorf("storage: update product: invalid status %q", *status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE products
		 SET name = COALESCE($2, name),
		     status = COALESCE($3, status),
		     updated_at = now()
		 WHERE product_id = $1`,
		productID, name, status,
	)
	if err != nil {
		return model.Product{}, fmt.Errorf("storage: update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Product{}, ErrNotFound
	}
	return db.GetProduct(ctx, productID)
}
