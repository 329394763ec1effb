package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractJSONObject parses the first JSON object in a model reply into v.
// Models wrap JSON in code fences or prose more often than not, so this
// strips fences, isolates the outermost braces, and falls back to jsonrepair
// for trailing commas, bare keys, and similar damage.
func ExtractJSONObject(text string, v any) error {
	candidate := strings.TrimSpace(text)

	if i := strings.Index(candidate, "```"); i >= 0 {
		rest := candidate[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			candidate = strings.TrimSpace(rest[:j])
		} else {
			candidate = strings.TrimSpace(rest)
		}
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start >= 0 && end > start {
		candidate = candidate[start : end+1]
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("llm: no parsable JSON object in reply: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("llm: repaired JSON still invalid: %w", err)
	}
	return nil
}
