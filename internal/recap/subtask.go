package recap

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SubtaskKind enumerates the closed set of subtask variants the model may
// emit. Anything else is rejected at parse time.
type SubtaskKind string

const (
	SubtaskTask            SubtaskKind = "task"
	SubtaskKBSearch        SubtaskKind = "kb_search"
	SubtaskKBGet           SubtaskKind = "kb_get"
	SubtaskKBList          SubtaskKind = "kb_list"
	SubtaskMemSearch       SubtaskKind = "mem_search"
	SubtaskMemGet          SubtaskKind = "mem_get"
	SubtaskMemList         SubtaskKind = "mem_list"
	SubtaskGenerateRecipes SubtaskKind = "generate_recipes"
)

// Subtask is the tagged union of planner actions, parsed eagerly at the
// model boundary. Only the fields for the active Kind are meaningful.
type Subtask struct {
	Kind SubtaskKind

	// task
	Task string
	Role string

	// kb_search / mem_search
	Query     string
	Namespace string
	Mode      string
	TopK      int

	// kb_get
	Alias string

	// mem_get
	MemID string

	// kb_list / mem_list / mem_search
	Limit int
}

type subtaskJSON struct {
	Type      string `json:"type"`
	Task      string `json:"task"`
	Role      string `json:"role"`
	Query     string `json:"query"`
	Namespace string `json:"namespace"`
	Mode      string `json:"mode"`
	TopK      int    `json:"top_k"`
	Alias     string `json:"alias"`
	MemID     string `json:"mem_id"`
	Limit     int    `json:"limit"`
}

// UnmarshalJSON parses one subtask document, rejecting unknown variants and
// variants missing their required field.
func (s *Subtask) UnmarshalJSON(data []byte) error {
	var raw subtaskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("recap: malformed subtask: %w", err)
	}

	kind := SubtaskKind(strings.TrimSpace(raw.Type))
	switch kind {
	case SubtaskTask:
		if strings.TrimSpace(raw.Task) == "" {
			return fmt.Errorf("recap: task subtask missing task text")
		}
	case SubtaskKBSearch:
		if strings.TrimSpace(raw.Query) == "" {
			return fmt.Errorf("recap: kb_search subtask missing query")
		}
	case SubtaskKBGet:
		if strings.TrimSpace(raw.Alias) == "" {
			return fmt.Errorf("recap: kb_get subtask missing alias")
		}
	case SubtaskMemSearch:
		if strings.TrimSpace(raw.Query) == "" {
			return fmt.Errorf("recap: mem_search subtask missing query")
		}
	case SubtaskMemGet:
		if strings.TrimSpace(raw.MemID) == "" {
			return fmt.Errorf("recap: mem_get subtask missing mem_id")
		}
	case SubtaskKBList, SubtaskMemList, SubtaskGenerateRecipes:
		// no required fields
	default:
		return fmt.Errorf("recap: unknown subtask type %q", raw.Type)
	}

	*s = Subtask{
		Kind:      kind,
		Task:      strings.TrimSpace(raw.Task),
		Role:      strings.TrimSpace(raw.Role),
		Query:     strings.TrimSpace(raw.Query),
		Namespace: strings.TrimSpace(raw.Namespace),
		Mode:      strings.TrimSpace(raw.Mode),
		TopK:      raw.TopK,
		Alias:     strings.TrimSpace(raw.Alias),
		MemID:     strings.TrimSpace(raw.MemID),
		Limit:     raw.Limit,
	}
	return nil
}
