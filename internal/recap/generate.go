package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crucible-ai/crucible/internal/llm"
	"github.com/crucible-ai/crucible/internal/model"
)

// maxFormatErrors is how many unparsable final answers are tolerated before
// the run fails.
const maxFormatErrors = 3

// generateState tracks per-generation dereference budgets. Reopening an
// already-opened alias or memory never consumes budget.
type generateState struct {
	openedChunks map[string]bool
	openedMems   map[string]bool
	formatErrors int
}

// generate runs the bounded final-answer loop: the model sees a compact
// evidence index, may dereference evidence through tools within budget, and
// must produce a schema-valid, fully cited recipes document.
func (e *Engine) generate(ctx context.Context, s *Session) (map[string]any, error) {
	gs := &generateState{
		openedChunks: map[string]bool{},
		openedMems:   map[string]bool{},
	}

	messages := []llm.Message{
		{Role: "system", Content: generateSystemPrompt(s.Config)},
		{Role: "user", Content: generateUserPrompt(s)},
	}

	for turn := 0; turn < s.Config.MaxGenerateTurns; turn++ {
		if err := s.checkCanceled(ctx); err != nil {
			return nil, err
		}
		if s.steps >= s.Config.MaxSteps {
			return nil, fmt.Errorf("recap: step budget %d exhausted during generation", s.Config.MaxSteps)
		}
		s.steps++

		resp, err := s.Chat.Chat(ctx, llm.Request{
			Messages:    messages,
			Tools:       generateTools(),
			Temperature: s.Config.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("recap: generation chat call failed: %w", err)
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				result := e.runGenerateTool(ctx, s, gs, call)
				messages = append(messages, llm.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    result,
				})
			}
			continue
		}

		output, correction, fatal := e.validateFinal(ctx, s, gs, resp.Content)
		if fatal != nil {
			return nil, fatal
		}
		if correction != "" {
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: correction},
			)
			continue
		}
		return output, nil
	}
	return nil, fmt.Errorf("recap: no accepted final answer within %d generation turns", s.Config.MaxGenerateTurns)
}

// validateFinal checks a candidate answer in order: JSON shape, recipe
// count, per-recipe citations, overall citations, alias resolution, memory
// resolution. A violation returns a corrective prompt; only repeated format
// failures are fatal. On acceptance it records the resolution and
// final_output events.
func (e *Engine) validateFinal(ctx context.Context, s *Session, gs *generateState, text string) (map[string]any, string, error) {
	var doc struct {
		Recipes []map[string]any `json:"recipes"`
	}
	if err := llm.ExtractJSONObject(text, &doc); err != nil {
		gs.formatErrors++
		if gs.formatErrors >= maxFormatErrors {
			return nil, "", fmt.Errorf("recap: final answer unparsable after %d attempts: %w", maxFormatErrors, err)
		}
		return nil, `Your reply was not a valid JSON object with a "recipes" array. Reply with exactly that JSON shape and nothing else.`, nil
	}

	want := s.Config.RecipesPerRun
	if len(doc.Recipes) != want {
		return nil, fmt.Sprintf("Your answer contains %d recipes but exactly %d are required. Regenerate with exactly %d recipes.", len(doc.Recipes), want, want), nil
	}

	var allAliases, allMems []string
	seenAlias := map[string]bool{}
	seenMem := map[string]bool{}
	for i, recipe := range doc.Recipes {
		rationale, _ := recipe["rationale"].(string)
		aliases := aliasTokenRe.FindAllStringSubmatch(rationale, -1)
		mems := memTokenRe.FindAllStringSubmatch(rationale, -1)
		if len(aliases) == 0 && len(mems) == 0 {
			return nil, fmt.Sprintf("Recipe %d's rationale cites no evidence. Every rationale must cite at least one [%s#] alias or mem:<id> token.", i+1, s.Config.AliasPrefix), nil
		}
		for _, m := range aliases {
			if !seenAlias[m[1]] {
				seenAlias[m[1]] = true
				allAliases = append(allAliases, m[1])
			}
		}
		for _, m := range mems {
			if !seenMem[m[1]] {
				seenMem[m[1]] = true
				allMems = append(allMems, m[1])
			}
		}
	}
	if len(allAliases) == 0 && len(allMems) == 0 {
		return nil, "Your answer cites no evidence at all. Cite the aliases backing each recipe.", nil
	}

	citations := map[string]any{}
	for _, alias := range allAliases {
		chunk, ok := s.ResolveAlias(alias)
		if !ok {
			return nil, fmt.Sprintf("Citation [%s] does not match any evidence gathered in this run. Only cite aliases from the evidence index.", alias), nil
		}
		citations[alias] = map[string]any{
			"ref":       chunk.Ref,
			"source":    chunk.Source,
			"origin_id": chunk.OriginID,
		}
	}
	for _, memID := range allMems {
		item, ok := s.LookupMemory(memID)
		if !ok {
			return nil, fmt.Sprintf("Citation mem:%s does not match any memory retrieved in this run.", memID), nil
		}
		if item.Status != model.MemoryActive {
			return nil, fmt.Sprintf("Citation mem:%s refers to an archived memory. Cite only active memories.", memID), nil
		}
	}

	output := map[string]any{
		"recipes": doc.Recipes,
	}
	_, _ = s.Events.AppendEvent(ctx, s.RunID, "citations_resolved", map[string]any{
		"aliases": allAliases,
	})
	_, _ = s.Events.AppendEvent(ctx, s.RunID, "memories_resolved", map[string]any{
		"mem_ids": allMems,
	})
	_, _ = s.Events.AppendEvent(ctx, s.RunID, "final_output", map[string]any{
		"output":    output,
		"citations": citations,
		"memories":  allMems,
	})
	s.Logger.Info("recap: final answer accepted",
		"run_id", s.RunID, "recipes", len(doc.Recipes),
		"aliases", len(allAliases), "memories", len(allMems))
	return output, "", nil
}

func generateTools() []llm.Tool {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	return []llm.Tool{
		{Type: "function", Function: llm.Function{
			Name:        "kb_get",
			Description: "Open the full content of one evidence chunk by alias.",
			Parameters:  obj(map[string]any{"alias": map[string]any{"type": "string"}}, "alias"),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "kb_list",
			Description: "List the evidence index with short excerpts.",
			Parameters:  obj(map[string]any{"limit": map[string]any{"type": "integer"}}),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "mem_get",
			Description: "Open the full content of one memory item by id.",
			Parameters:  obj(map[string]any{"mem_id": map[string]any{"type": "string"}}, "mem_id"),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "mem_list",
			Description: "List memories retrieved in this run with short excerpts.",
			Parameters:  obj(map[string]any{"limit": map[string]any{"type": "integer"}}),
		}},
		{Type: "function", Function: llm.Function{
			Name:        "mem_search",
			Description: "Search long-term memory by text.",
			Parameters:  obj(map[string]any{"query": map[string]any{"type": "string"}, "limit": map[string]any{"type": "integer"}}, "query"),
		}},
	}
}

// runGenerateTool executes one dereference tool call under the full-open
// budget. Errors are returned as tool results so the model can adapt.
func (e *Engine) runGenerateTool(ctx context.Context, s *Session, gs *generateState, call llm.ToolCall) string {
	var args struct {
		Alias string `json:"alias"`
		MemID string `json:"mem_id"`
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "ERROR: malformed tool arguments: " + err.Error()
	}

	switch call.Function.Name {
	case "kb_get":
		if !gs.openedChunks[args.Alias] && len(gs.openedChunks) >= s.Config.MaxFullChunks {
			return fmt.Sprintf("ERROR: full-open budget of %d evidence chunks is exhausted. Reuse content already shown or rely on the excerpts.", s.Config.MaxFullChunks)
		}
		obs, _ := e.kbGet(ctx, s, Subtask{Kind: SubtaskKBGet, Alias: args.Alias})
		if !strings.HasPrefix(obs, "ERROR") {
			gs.openedChunks[args.Alias] = true
		}
		return obs
	case "kb_list":
		obs, _ := e.kbList(ctx, s, Subtask{Kind: SubtaskKBList, Limit: args.Limit})
		return obs
	case "mem_get":
		if !gs.openedMems[args.MemID] && len(gs.openedMems) >= s.Config.MaxFullMemories {
			return fmt.Sprintf("ERROR: full-open budget of %d memories is exhausted. Reuse content already shown.", s.Config.MaxFullMemories)
		}
		obs, _ := e.memGet(ctx, s, Subtask{Kind: SubtaskMemGet, MemID: args.MemID})
		if !strings.HasPrefix(obs, "ERROR") {
			gs.openedMems[args.MemID] = true
		}
		return obs
	case "mem_list":
		obs, _ := e.memList(ctx, s, Subtask{Kind: SubtaskMemList, Limit: args.Limit})
		return obs
	case "mem_search":
		obs, _ := e.memSearch(ctx, s, Subtask{Kind: SubtaskMemSearch, Query: args.Query, Limit: args.Limit})
		return obs
	}
	return fmt.Sprintf("ERROR: unknown tool %q", call.Function.Name)
}
