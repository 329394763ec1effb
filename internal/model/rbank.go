package model

import "time"

// RBJob is a queued reasoning-bank job for a run. Kind is "learn" today;
// the column exists so future kinds can share the queue.
type RBJob struct {
	ID            string         `json:"rb_job_id"`
	RunID         string         `json:"run_id"`
	Kind          string         `json:"kind"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Status        Status         `json:"status"`
	Error         *string        `json:"error,omitempty"`
	SchemaVersion int            `json:"schema_version"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// DeltaStatus tracks whether a delta's ops are currently in effect.
type DeltaStatus string

const (
	DeltaApplied    DeltaStatus = "applied"
	DeltaRolledBack DeltaStatus = "rolled_back"
)

// DeltaOpKind enumerates the mutations a learn pass may record.
type DeltaOpKind string

const (
	OpAdd     DeltaOpKind = "add"
	OpUpdate  DeltaOpKind = "update"
	OpArchive DeltaOpKind = "archive"
)

// DeltaOp is one memory mutation inside a delta. Before holds the exact
// pre-mutation snapshot for update/archive so rollback can restore it
// bit-for-bit; it is nil for add.
type DeltaOp struct {
	Op     DeltaOpKind    `json:"op"`
	MemID  string         `json:"mem_id"`
	Before *MemoryItem    `json:"before,omitempty"`
	After  *MemoryItem    `json:"after,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// RBDelta is one atomic set of memory mutations produced by a single learn
// pass, reversible as a unit.
type RBDelta struct {
	ID               string         `json:"delta_id"`
	RunID            string         `json:"run_id"`
	CreatedAt        time.Time      `json:"created_at"`
	Status           DeltaStatus    `json:"status"`
	RolledBackAt     *time.Time     `json:"rolled_back_at,omitempty"`
	RolledBackReason *string        `json:"rolled_back_reason,omitempty"`
	Ops              []DeltaOp      `json:"ops"`
	SchemaVersion    int            `json:"schema_version"`
	Extra            map[string]any `json:"extra,omitempty"`
}
