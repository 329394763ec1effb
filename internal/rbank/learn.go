package rbank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crucible-ai/crucible/internal/llm"
	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// snapshot pins the inputs a learn pass reads, so a re-learn after later
// edits sees the same factual record.
type snapshot struct {
	TraceCutoff        time.Time
	FeedbackID         string
	FeedbackUpdatedAt  time.Time
	FinalOutputEventID string
}

// proposal is one candidate memory item produced by extraction.
type proposal struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Learn runs one full learn pass for a run and records it as exactly one
// delta. It is idempotent per run: any currently-applied delta is strictly
// rolled back first, so repeated learns never compound.
func (s *Service) Learn(ctx context.Context, runID, rbJobID string) (model.RBDelta, error) {
	delta, err := s.learn(ctx, runID, rbJobID)
	if err != nil {
		_, _ = s.db.AppendEvent(ctx, runID, "rb_learn_failed", map[string]any{
			"rb_job_id": rbJobID,
			"error":     err.Error(),
		})
		return model.RBDelta{}, err
	}
	_, _ = s.db.AppendEvent(ctx, runID, "rb_learn_completed", map[string]any{
		"rb_job_id": rbJobID,
		"delta_id":  delta.ID,
		"n_ops":     len(delta.Ops),
	})
	return delta, nil
}

func (s *Service) learn(ctx context.Context, runID, rbJobID string) (model.RBDelta, error) {
	fb, err := s.db.GetFeedbackForRun(ctx, runID)
	if err != nil {
		return model.RBDelta{}, fmt.Errorf("rbank: learn requires feedback: %w", err)
	}

	snap := snapshot{
		TraceCutoff:       time.Now().UTC(),
		FeedbackID:        fb.ID,
		FeedbackUpdatedAt: fb.UpdatedAt,
	}
	if final, err := s.db.GetLatestEvent(ctx, runID, "final_output"); err == nil {
		snap.FinalOutputEventID = final.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.RBDelta{}, err
	}
	_, _ = s.db.AppendEvent(ctx, runID, "rb_learn_snapshot", map[string]any{
		"rb_job_id":             rbJobID,
		"trace_cutoff":          snap.TraceCutoff,
		"feedback_id":           snap.FeedbackID,
		"feedback_updated_at":   snap.FeedbackUpdatedAt,
		"final_output_event_id": snap.FinalOutputEventID,
	})

	// Undo any applied delta before re-learning.
	applied, err := s.db.ListRBDeltasForRun(ctx, runID, model.DeltaApplied, 100)
	if err != nil {
		return model.RBDelta{}, err
	}
	for _, d := range applied {
		if err := s.rollbackOps(ctx, runID, d); err != nil {
			return model.RBDelta{}, fmt.Errorf("rbank: pre-learn rollback of %s: %w", d.ID, err)
		}
		reason := "superseded by re-learn"
		if err := s.db.MarkRBDeltaRolledBack(ctx, d.ID, &reason); err != nil {
			return model.RBDelta{}, err
		}
	}

	proposals, err := s.extract(ctx, runID, snap, fb)
	if err != nil {
		return model.RBDelta{}, err
	}

	var ops []model.DeltaOp
	for _, p := range proposals {
		op, err := s.consolidate(ctx, runID, p)
		if err != nil {
			return model.RBDelta{}, err
		}
		ops = append(ops, op)
	}

	delta, err := s.db.CreateRBDelta(ctx, runID, ops, map[string]any{
		"rb_job_id":        rbJobID,
		"strategy_version": s.cfg.StrategyVersion,
		"feedback_id":      snap.FeedbackID,
	})
	if err != nil {
		return model.RBDelta{}, err
	}
	s.logger.Info("rbank: learn pass recorded", "run_id", runID, "delta_id", delta.ID, "n_ops", len(ops))
	return delta, nil
}

// extract produces memory proposals from the run's factual record. Dry-run
// emits two synthetic items so the pipeline is exercisable without an LLM.
func (s *Service) extract(ctx context.Context, runID string, snap snapshot, fb model.Feedback) ([]proposal, error) {
	if s.cfg.DryRun {
		return []proposal{
			{Role: string(model.RoleOrchestrator), Content: fmt.Sprintf("Synthetic lesson for run %s: feedback id %s informed this item.", runID, fb.ID)},
			{Role: string(model.RoleGlobal), Content: fmt.Sprintf("Synthetic global lesson for run %s.", runID)},
		}, nil
	}

	contextItems, err := s.retrievalContext(ctx, fb)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: "system", Content: extractSystemPrompt()},
		{Role: "user", Content: extractUserPrompt(runID, fb, contextItems)},
	}
	d := &derefState{budget: s.cfg.Budget}

	for turn := 0; turn < s.cfg.MaxExtractTurns; turn++ {
		resp, err := s.chat.Chat(ctx, llm.Request{Messages: messages, Tools: derefTools()})
		if err != nil {
			return nil, fmt.Errorf("rbank: extraction chat call failed: %w", err)
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
			for _, call := range resp.ToolCalls {
				messages = append(messages, llm.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    s.runDerefTool(ctx, runID, snap, d, call),
				})
			}
			continue
		}

		var doc struct {
			Items []proposal `json:"items"`
		}
		if err := llm.ExtractJSONObject(resp.Content, &doc); err != nil {
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: `Reply with only a JSON object {"items": [{"role": "...", "content": "..."}]}.`},
			)
			continue
		}

		var valid []proposal
		for _, p := range doc.Items {
			p.Content = strings.TrimSpace(p.Content)
			if p.Content == "" {
				continue
			}
			if !model.ValidMemoryRole(p.Role) {
				p.Role = string(model.RoleGlobal)
			}
			valid = append(valid, p)
		}
		return valid, nil
	}
	return nil, fmt.Errorf("rbank: no extraction result within %d turns", s.cfg.MaxExtractTurns)
}

func (s *Service) retrievalContext(ctx context.Context, fb model.Feedback) ([]model.MemoryItem, error) {
	query := strings.TrimSpace(fb.Pros + "\n" + fb.Cons + "\n" + fb.Other)
	if query == "" {
		query = "experiment outcome"
	}

	var items []model.MemoryItem
	roleScored, err := s.bank.Search(ctx, query, model.RoleOrchestrator, s.cfg.KRole)
	if err != nil {
		return nil, err
	}
	globalScored, err := s.bank.Search(ctx, query, model.RoleGlobal, s.cfg.KGlobal)
	if err != nil {
		return nil, err
	}
	for _, sm := range append(roleScored, globalScored...) {
		items = append(items, sm.Item)
	}
	return items, nil
}

// consolidate applies one proposal: merge into a near-duplicate active item
// when similarity clears the threshold, otherwise insert as new. Every
// mutation is applied to the store, audit-logged, and index-synced before
// becoming a delta op.
func (s *Service) consolidate(ctx context.Context, runID string, p proposal) (model.DeltaOp, error) {
	role := model.MemoryRole(p.Role)

	neighbors, err := s.bank.SearchFiltered(ctx, p.Content, memory.QueryFilter{
		Status: model.MemoryActive,
		Role:   role,
		Type:   model.TypeBankItem,
	}, 1)
	if err != nil {
		return model.DeltaOp{}, err
	}

	if len(neighbors) > 0 && 1-float64(neighbors[0].Distance) >= s.cfg.NearDuplicateThreshold {
		existing := neighbors[0].Item
		before := existing

		merged, mergeExtra := s.mergeContents(ctx, existing.Content, p.Content)
		existing.Content = merged
		// Copy-on-write so the before snapshot's extra map stays untouched.
		extra := make(map[string]any, len(existing.Extra)+len(mergeExtra))
		for k, v := range existing.Extra {
			extra[k] = v
		}
		for k, v := range mergeExtra {
			extra[k] = v
		}
		existing.Extra = extra

		saved, err := s.bank.Save(ctx, existing)
		if err != nil {
			return model.DeltaOp{}, err
		}
		if err := s.recordMutation(ctx, "learn", &before, &saved); err != nil {
			return model.DeltaOp{}, err
		}
		return model.DeltaOp{Op: model.OpUpdate, MemID: saved.ID, Before: &before, After: &saved}, nil
	}

	item := model.MemoryItem{
		ID:          uuid.NewString(),
		Status:      model.MemoryActive,
		Role:        role,
		Type:        model.TypeBankItem,
		Content:     p.Content,
		SourceRunID: runID,
	}
	saved, err := s.bank.Save(ctx, item)
	if err != nil {
		return model.DeltaOp{}, err
	}
	if err := s.recordMutation(ctx, "learn", nil, &saved); err != nil {
		return model.DeltaOp{}, err
	}
	return model.DeltaOp{Op: model.OpAdd, MemID: saved.ID, After: &saved}, nil
}

// mergeContents asks the model to combine an existing item with a proposal.
// On any failure it falls back to keeping the longer content and records the
// discarded text so nothing is silently lost.
func (s *Service) mergeContents(ctx context.Context, existing, proposed string) (string, map[string]any) {
	if s.cfg.DryRun || s.chat == nil {
		return heuristicMerge(existing, proposed)
	}

	resp, err := s.chat.Chat(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: `Merge two overlapping lessons into one concise lesson that preserves every distinct fact. Reply with only a JSON object {"content": "..."}.`},
			{Role: "user", Content: fmt.Sprintf("Existing lesson:\n%s\n\nNew lesson:\n%s", existing, proposed)},
		},
		JSONMode: true,
	})
	if err == nil {
		var doc struct {
			Content string `json:"content"`
		}
		if perr := llm.ExtractJSONObject(resp.Content, &doc); perr == nil && strings.TrimSpace(doc.Content) != "" {
			return strings.TrimSpace(doc.Content), nil
		}
	}
	s.logger.Warn("rbank: merge synthesis failed, keeping longer content", "error", err)
	return heuristicMerge(existing, proposed)
}

func heuristicMerge(existing, proposed string) (string, map[string]any) {
	if len(proposed) > len(existing) {
		return proposed, map[string]any{"merge_discarded": existing}
	}
	return existing, map[string]any{"merge_discarded": proposed}
}

// recordMutation writes the audit-log row and syncs the browse index for one
// memory mutation.
func (s *Service) recordMutation(ctx context.Context, actor string, before, after *model.MemoryItem) error {
	return s.recordMutationWithReason(ctx, actor, nil, before, after)
}

func extractSystemPrompt() string {
	return `You distill completed materials-synthesis runs into reusable lessons for future runs. Use the tools to inspect the run's factual record (trace events, evidence, feedback, final output) within your budget. Then reply with only a JSON object:
{"items": [{"role": "global"|"orchestrator"|"mof_expert"|"tio2_expert", "content": "<one self-contained lesson>"}]}
Extract only lessons supported by the record. An empty items array is a valid answer.`
}

func extractUserPrompt(runID string, fb model.Feedback, contextItems []model.MemoryItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s has experiment feedback:\n", runID)
	if fb.Score != nil {
		fmt.Fprintf(&b, "score: %.3f\n", *fb.Score)
	}
	if fb.Pros != "" {
		fmt.Fprintf(&b, "pros: %s\n", fb.Pros)
	}
	if fb.Cons != "" {
		fmt.Fprintf(&b, "cons: %s\n", fb.Cons)
	}
	if fb.Other != "" {
		fmt.Fprintf(&b, "other: %s\n", fb.Other)
	}
	for _, fp := range fb.Products {
		fmt.Fprintf(&b, "product %s: value %.3f (fraction %.3f)\n", fp.ProductName, fp.Value, fp.Fraction)
	}

	if len(contextItems) > 0 {
		b.WriteString("\nExisting related memories (avoid duplicating them):\n")
		for _, item := range contextItems {
			fmt.Fprintf(&b, "mem:%s (%s) %s\n", item.ID, item.Role, truncateText(item.Content, 300))
		}
	}

	b.WriteString("\nInspect the run record as needed, then extract lessons.")
	return b.String()
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
