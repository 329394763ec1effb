package model

import "time"

// MemoryStatus is the lifecycle of a reasoning-bank memory item. Items are
// never deleted; archiving preserves history for trace references.
type MemoryStatus string

const (
	MemoryActive   MemoryStatus = "active"
	MemoryArchived MemoryStatus = "archived"
)

// MemoryRole scopes a memory item to the agent role that should retrieve it.
type MemoryRole string

const (
	RoleGlobal       MemoryRole = "global"
	RoleOrchestrator MemoryRole = "orchestrator"
	RoleMOFExpert    MemoryRole = "mof_expert"
	RoleTiO2Expert   MemoryRole = "tio2_expert"
)

// ValidMemoryRole reports whether s is a known role.
func ValidMemoryRole(s string) bool {
	switch MemoryRole(s) {
	case RoleGlobal, RoleOrchestrator, RoleMOFExpert, RoleTiO2Expert:
		return true
	}
	return false
}

// MemoryType distinguishes learned items from operator-entered notes.
type MemoryType string

const (
	TypeBankItem   MemoryType = "bank_item"
	TypeManualNote MemoryType = "manual_note"
)

// ValidMemoryType reports whether s is a known memory type.
func ValidMemoryType(s string) bool {
	switch MemoryType(s) {
	case TypeBankItem, TypeManualNote:
		return true
	}
	return false
}

// MemoryItem is one entry in the long-term memory store. The planning engine
// treats content as opaque text; everything else is filter metadata.
type MemoryItem struct {
	ID            string         `json:"mem_id"`
	Status        MemoryStatus   `json:"status"`
	Role          MemoryRole     `json:"role"`
	Type          MemoryType     `json:"type"`
	Content       string         `json:"content"`
	SourceRunID   string         `json:"source_run_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	SchemaVersion int            `json:"schema_version"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ScoredMemory pairs a memory item with its vector distance from a query.
type ScoredMemory struct {
	Item     MemoryItem `json:"item"`
	Distance float32    `json:"distance"`
}

// MemoryIndexEntry is the relational browse index kept in sync with the
// vector store on every mutation. Content lives only in the vector store.
type MemoryIndexEntry struct {
	MemID         string       `json:"mem_id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Status        MemoryStatus `json:"status"`
	Role          MemoryRole   `json:"role"`
	Type          MemoryType   `json:"type"`
	SourceRunID   string       `json:"source_run_id,omitempty"`
	SchemaVersion int          `json:"schema_version"`
}
