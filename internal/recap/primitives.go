package recap

import (
	"context"
	"fmt"
	"strings"

	"github.com/crucible-ai/crucible/internal/kb"
	"github.com/crucible-ai/crucible/internal/model"
)

// excerptChars bounds per-chunk content shown in planning observations.
// Full content stays available through kb_get.
const excerptChars = 400

// executePrimitive runs one retrieval action, records its trace event, and
// returns the observation text folded back into the planning loop.
func (e *Engine) executePrimitive(ctx context.Context, s *Session, st Subtask) (string, error) {
	switch st.Kind {
	case SubtaskKBSearch:
		return e.kbSearch(ctx, s, st)
	case SubtaskKBGet:
		return e.kbGet(ctx, s, st)
	case SubtaskKBList:
		return e.kbList(ctx, s, st)
	case SubtaskMemSearch:
		return e.memSearch(ctx, s, st)
	case SubtaskMemGet:
		return e.memGet(ctx, s, st)
	case SubtaskMemList:
		return e.memList(ctx, s, st)
	}
	return "", fmt.Errorf("recap: no primitive for subtask kind %q", st.Kind)
}

func (e *Engine) kbSearch(ctx context.Context, s *Session, st Subtask) (string, error) {
	topK := st.TopK
	if topK <= 0 || topK > s.Config.KBTopK {
		topK = s.Config.KBTopK
	}
	results, err := s.KB.Search(ctx, kb.SearchRequest{
		Query:     st.Query,
		Namespace: st.Namespace,
		Mode:      st.Mode,
		TopK:      topK,
	})
	if err != nil {
		// Bad namespace or mode is the model's mistake; report it as an
		// observation so the planner can correct itself.
		return "ERROR: knowledge search failed: " + err.Error(), nil
	}

	eventResults := make([]map[string]any, len(results))
	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge search for %q returned %d chunks:\n", st.Query, len(results))
	for i, r := range results {
		alias := s.RegisterChunk(r)
		eventResults[i] = map[string]any{
			"alias":     alias,
			"ref":       r.Ref,
			"namespace": r.Namespace,
			"source":    r.Source,
			"origin_id": r.OriginID,
			"content":   r.Content,
		}
		fmt.Fprintf(&b, "[%s] (%s) %s\n", alias, r.Source, excerpt(r.Content, excerptChars))
	}
	if len(results) == 0 {
		b.WriteString("No chunks matched. Try a different query or namespace.\n")
	}

	_, _ = s.Events.AppendEvent(ctx, s.RunID, "kb_query", map[string]any{
		"query":     st.Query,
		"namespace": st.Namespace,
		"mode":      st.Mode,
		"top_k":     topK,
		"results":   eventResults,
	})
	return b.String(), nil
}

func (e *Engine) kbGet(ctx context.Context, s *Session, st Subtask) (string, error) {
	chunk, ok := s.ResolveAlias(st.Alias)
	if !ok {
		return fmt.Sprintf("ERROR: unknown evidence alias %q. Use an alias from a previous knowledge search.", st.Alias), nil
	}
	_, _ = s.Events.AppendEvent(ctx, s.RunID, "kb_get", map[string]any{
		"alias": st.Alias,
		"ref":   chunk.Ref,
	})
	return fmt.Sprintf("[%s] (%s) full content:\n%s", st.Alias, chunk.Source, chunk.Content), nil
}

func (e *Engine) kbList(ctx context.Context, s *Session, st Subtask) (string, error) {
	limit := st.Limit
	if limit <= 0 || limit > s.Config.KBListLimit {
		limit = s.Config.KBListLimit
	}
	aliases := s.Aliases()
	shown := aliases
	if len(shown) > limit {
		shown = shown[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Evidence gathered so far (%d of %d):\n", len(shown), len(aliases))
	for _, alias := range shown {
		chunk, _ := s.ResolveAlias(alias)
		fmt.Fprintf(&b, "[%s] (%s) %s\n", alias, chunk.Source, excerpt(chunk.Content, 120))
	}
	if len(aliases) == 0 {
		b.WriteString("None yet. Run a knowledge search first.\n")
	}

	_, _ = s.Events.AppendEvent(ctx, s.RunID, "kb_list", map[string]any{
		"shown": len(shown),
		"total": len(aliases),
	})
	return b.String(), nil
}

func (e *Engine) memSearch(ctx context.Context, s *Session, st Subtask) (string, error) {
	limit := st.Limit
	if limit <= 0 || limit > s.Config.MemSearchLimit {
		limit = s.Config.MemSearchLimit
	}
	role := model.MemoryRole(st.Role)
	if st.Role != "" && !model.ValidMemoryRole(st.Role) {
		return fmt.Sprintf("ERROR: unknown memory role %q.", st.Role), nil
	}

	scored, err := s.Memory.Search(ctx, st.Query, role, limit)
	if err != nil {
		return "ERROR: memory search failed: " + err.Error(), nil
	}

	eventResults := make([]map[string]any, len(scored))
	var b strings.Builder
	fmt.Fprintf(&b, "Memory search for %q returned %d items:\n", st.Query, len(scored))
	for i, sm := range scored {
		s.RegisterMemory(sm.Item)
		eventResults[i] = map[string]any{
			"mem_id":   sm.Item.ID,
			"distance": sm.Distance,
			"role":     string(sm.Item.Role),
			"status":   string(sm.Item.Status),
		}
		fmt.Fprintf(&b, "mem:%s (%s, %s) %s\n", sm.Item.ID, sm.Item.Role, sm.Item.Status, excerpt(sm.Item.Content, excerptChars))
	}
	if len(scored) == 0 {
		b.WriteString("No memories matched.\n")
	}

	_, _ = s.Events.AppendEvent(ctx, s.RunID, "mem_query", map[string]any{
		"query":   st.Query,
		"role":    st.Role,
		"limit":   limit,
		"results": eventResults,
	})
	return b.String(), nil
}

func (e *Engine) memGet(ctx context.Context, s *Session, st Subtask) (string, error) {
	item, ok := s.LookupMemory(st.MemID)
	if !ok {
		fetched, err := s.Memory.Get(ctx, st.MemID)
		if err != nil {
			return fmt.Sprintf("ERROR: memory %q not found.", st.MemID), nil
		}
		s.RegisterMemory(fetched)
		item = fetched
	}
	_, _ = s.Events.AppendEvent(ctx, s.RunID, "mem_get", map[string]any{
		"mem_id": item.ID,
		"status": string(item.Status),
	})
	return fmt.Sprintf("mem:%s (%s, %s) full content:\n%s", item.ID, item.Role, item.Status, item.Content), nil
}

func (e *Engine) memList(ctx context.Context, s *Session, st Subtask) (string, error) {
	limit := st.Limit
	if limit <= 0 || limit > s.Config.MemListLimit {
		limit = s.Config.MemListLimit
	}
	ids := s.MemoryIDs()
	shown := ids
	if len(shown) > limit {
		shown = shown[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memories retrieved so far (%d of %d):\n", len(shown), len(ids))
	for _, id := range shown {
		item, _ := s.LookupMemory(id)
		fmt.Fprintf(&b, "mem:%s (%s, %s) %s\n", id, item.Role, item.Status, excerpt(item.Content, 120))
	}
	if len(ids) == 0 {
		b.WriteString("None yet. Run a memory search first.\n")
	}

	_, _ = s.Events.AppendEvent(ctx, s.RunID, "mem_list", map[string]any{
		"shown": len(shown),
		"total": len(ids),
	})
	return b.String(), nil
}
