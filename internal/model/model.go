// Package model defines the core domain types for Crucible.
//
// Types correspond directly to database tables and event payloads. External
// identifiers are prefixed hex UUIDs (run_..., batch_..., evt_...) so that a
// raw id is self-describing in logs and traces.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new prefixed identifier, e.g. NewID("run") -> "run_9f8a...".
func NewID(prefix string) string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	return prefix + "_" + hex
}

// Status is the lifecycle state shared by batches, runs, and reasoning-bank jobs.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Batch groups N runs submitted together, sharing a config snapshot.
type Batch struct {
	ID            string         `json:"batch_id"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	UserRequest   string         `json:"user_request"`
	NRuns         int            `json:"n_runs"`
	RecipesPerRun int            `json:"recipes_per_run"`
	Status        Status         `json:"status"`
	Config        map[string]any `json:"config,omitempty"`
	Error         *string        `json:"error,omitempty"`
}

// Run is one execution of the planning engine against a user request.
type Run struct {
	ID        string     `json:"run_id"`
	BatchID   string     `json:"batch_id"`
	RunIndex  int        `json:"run_index"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    Status     `json:"status"`
	Error     *string    `json:"error,omitempty"`
}

// Event is one append-only trace record for a run. Events are never mutated;
// they are the only persisted trace of an execution.
type Event struct {
	ID        string         `json:"event_id"`
	RunID     string         `json:"run_id"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// CancelStatus tracks the lifecycle of a cancellation request.
type CancelStatus string

const (
	CancelRequested    CancelStatus = "requested"
	CancelAcknowledged CancelStatus = "acknowledged"
)

// CancelTarget is what a cancellation request points at.
type CancelTarget string

const (
	CancelTargetBatch CancelTarget = "batch"
	CancelTargetRun   CancelTarget = "run"
)

// CancelRequest records an advisory cancellation for a batch or run.
type CancelRequest struct {
	ID         string       `json:"cancel_id"`
	CreatedAt  time.Time    `json:"created_at"`
	TargetType CancelTarget `json:"target_type"`
	TargetID   string       `json:"target_id"`
	Status     CancelStatus `json:"status"`
	Reason     *string      `json:"reason,omitempty"`
}
