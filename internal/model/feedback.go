package model

import "time"

// Product is a catalog entry that experiment feedback can reference.
type Product struct {
	ID            string         `json:"product_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Name          string         `json:"name"`
	Status        string         `json:"status"` // active | archived
	SchemaVersion int            `json:"schema_version"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// FeedbackProduct is one measured product row inside a feedback record.
// Fraction is Value normalized over the sum of all values in the record.
type FeedbackProduct struct {
	ID            string  `json:"feedback_product_id"`
	ProductID     string  `json:"product_id"`
	ProductName   string  `json:"product_name,omitempty"`
	ProductStatus string  `json:"product_status,omitempty"`
	Value         float64 `json:"value"`
	Fraction      float64 `json:"fraction"`
}

// Feedback is the single experiment-outcome record for a run. Submitting
// feedback is what makes a run eligible for reasoning-bank learning.
type Feedback struct {
	ID            string            `json:"feedback_id"`
	RunID         string            `json:"run_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Score         *float64          `json:"score,omitempty"`
	Pros          string            `json:"pros"`
	Cons          string            `json:"cons"`
	Other         string            `json:"other"`
	Products      []FeedbackProduct `json:"products"`
	SchemaVersion int               `json:"schema_version"`
	Extra         map[string]any    `json:"extra,omitempty"`
}
