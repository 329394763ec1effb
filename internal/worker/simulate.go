package worker

import (
	"context"
	"fmt"

	"github.com/crucible-ai/crucible/internal/kb"
	"github.com/crucible-ai/crucible/internal/model"
)

// simulateRun writes the same trace shape a real planning run would, without
// touching the LLM or the knowledge base. Used in dry-run deployments and
// smoke tests so the whole durable pipeline can be exercised offline.
func (w *Worker) simulateRun(ctx context.Context, run model.Run, batch model.Batch) (map[string]any, error) {
	prefix := w.cfg.Recap.AliasPrefix
	if prefix == "" {
		prefix = "C"
	}
	a1 := prefix + "1"
	a2 := prefix + "2"

	if _, err := w.db.AppendEvent(ctx, run.ID, "recap_info", map[string]any{
		"depth": 0,
		"role":  "orchestrator",
		"think": "simulated plan: gather evidence, then generate",
		"subtasks": []map[string]any{
			{"type": "kb_search", "query": batch.UserRequest, "namespace": kb.NamespacePrinciples, "mode": "mix"},
			{"type": "generate_recipes"},
		},
	}); err != nil {
		return nil, err
	}

	results := []map[string]any{
		{
			"alias":     a1,
			"ref":       kb.ChunkRef(kb.NamespacePrinciples, "simulated principle for "+batch.UserRequest),
			"namespace": kb.NamespacePrinciples,
			"source":    "simulated",
			"origin_id": "sim_doc_principles",
			"content":   "Simulated formulation principle relevant to: " + batch.UserRequest,
		},
		{
			"alias":     a2,
			"ref":       kb.ChunkRef(kb.NamespaceModulation, "simulated modulation for "+batch.UserRequest),
			"namespace": kb.NamespaceModulation,
			"source":    "simulated",
			"origin_id": "sim_doc_modulation",
			"content":   "Simulated modulation note relevant to: " + batch.UserRequest,
		},
	}
	if _, err := w.db.AppendEvent(ctx, run.ID, "kb_query", map[string]any{
		"query":     batch.UserRequest,
		"namespace": kb.NamespacePrinciples,
		"mode":      "mix",
		"top_k":     len(results),
		"results":   results,
	}); err != nil {
		return nil, err
	}

	recipes := make([]map[string]any, 0, batch.RecipesPerRun)
	for i := 1; i <= batch.RecipesPerRun; i++ {
		recipes = append(recipes, map[string]any{
			"name":      fmt.Sprintf("Simulated recipe %d", i),
			"rationale": fmt.Sprintf("Grounded in [%s] and [%s].", a1, a2),
			"steps":     []string{"simulated step"},
		})
	}
	output := map[string]any{"recipes": recipes}

	citations := map[string]any{}
	aliases := make([]string, 0, len(results))
	for _, r := range results {
		alias := r["alias"].(string)
		aliases = append(aliases, alias)
		citations[alias] = map[string]any{"ref": r["ref"], "source": r["source"], "origin_id": r["origin_id"]}
	}

	if _, err := w.db.AppendEvent(ctx, run.ID, "citations_resolved", map[string]any{
		"aliases": aliases,
	}); err != nil {
		return nil, err
	}
	if _, err := w.db.AppendEvent(ctx, run.ID, "memories_resolved", map[string]any{
		"mem_ids": []string{},
	}); err != nil {
		return nil, err
	}
	if _, err := w.db.AppendEvent(ctx, run.ID, "final_output", map[string]any{
		"output":    output,
		"citations": citations,
		"memories":  []string{},
	}); err != nil {
		return nil, err
	}
	return output, nil
}
