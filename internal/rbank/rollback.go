package rbank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// RollbackDelta undoes a delta's memory mutations. With an empty deltaID the
// newest applied delta for the run is picked. Rolling back an
// already-rolled-back delta is an idempotent no-op returning its id.
func (s *Service) RollbackDelta(ctx context.Context, runID, deltaID, reason string) (string, error) {
	var delta model.RBDelta
	var err error

	if deltaID == "" {
		applied, err := s.db.ListRBDeltasForRun(ctx, runID, model.DeltaApplied, 1)
		if err != nil {
			return "", err
		}
		if len(applied) == 0 {
			return "", fmt.Errorf("rbank: run %s has no applied delta: %w", runID, storage.ErrNotFound)
		}
		delta = applied[0]
	} else {
		delta, err = s.db.GetRBDelta(ctx, deltaID)
		if err != nil {
			return "", err
		}
		if delta.RunID != runID {
			return "", fmt.Errorf("rbank: delta %s does not belong to run %s: %w", deltaID, runID, storage.ErrNotFound)
		}
	}

	if delta.Status == model.DeltaRolledBack {
		return delta.ID, nil
	}

	_, _ = s.db.AppendEvent(ctx, runID, "rb_rollback_started", map[string]any{
		"delta_id": delta.ID,
		"reason":   reason,
	})

	if err := s.rollbackOps(ctx, runID, delta); err != nil {
		return "", err
	}

	r := reason
	if r == "" {
		r = "manual rollback"
	}
	if err := s.db.MarkRBDeltaRolledBack(ctx, delta.ID, &r); err != nil {
		// Another caller raced us past the status check; the ops are
		// restore-idempotent, so treat it as done.
		if errors.Is(err, storage.ErrNotFound) {
			return delta.ID, nil
		}
		return "", err
	}

	_, _ = s.db.AppendEvent(ctx, runID, "rb_rollback_completed", map[string]any{
		"delta_id": delta.ID,
		"n_ops":    len(delta.Ops),
	})
	s.logger.Info("rbank: delta rolled back", "run_id", runID, "delta_id", delta.ID, "n_ops", len(delta.Ops))
	return delta.ID, nil
}

// rollbackOps replays a delta's ops in reverse order: an add is undone by
// archiving the created item (never deleting), an update or archive by
// restoring the exact before snapshot including its original timestamps.
// Unknown op kinds are skipped so old deltas from future strategy versions
// still roll back as far as they can.
func (s *Service) rollbackOps(ctx context.Context, runID string, delta model.RBDelta) error {
	for i := len(delta.Ops) - 1; i >= 0; i-- {
		op := delta.Ops[i]
		switch op.Op {
		case model.OpAdd:
			archived, err := s.bank.Archive(ctx, op.MemID)
			if err != nil {
				if errors.Is(err, memory.ErrNotFound) {
					s.logger.Warn("rbank: rollback add op: item missing", "mem_id", op.MemID)
					continue
				}
				return fmt.Errorf("rbank: rollback add op %s: %w", op.MemID, err)
			}
			reason := "rollback of delta " + delta.ID
			if err := s.recordMutationWithReason(ctx, "rollback", &reason, op.After, &archived); err != nil {
				return err
			}

		case model.OpUpdate, model.OpArchive:
			if op.Before == nil {
				s.logger.Warn("rbank: rollback op missing before snapshot", "delta_id", delta.ID, "mem_id", op.MemID)
				continue
			}
			if err := s.bank.Restore(ctx, *op.Before); err != nil {
				return fmt.Errorf("rbank: restore %s: %w", op.MemID, err)
			}
			reason := "rollback of delta " + delta.ID
			if err := s.recordMutationWithReason(ctx, "rollback", &reason, op.After, op.Before); err != nil {
				return err
			}

		default:
			s.logger.Warn("rbank: skipping unknown rollback op kind", "op", string(op.Op), "delta_id", delta.ID)
		}
	}
	return nil
}

func (s *Service) recordMutationWithReason(ctx context.Context, actor string, reason *string, before, after *model.MemoryItem) error {
	toMap := func(item *model.MemoryItem) map[string]any {
		if item == nil {
			return nil
		}
		raw, _ := json.Marshal(item)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		return m
	}
	if _, err := s.db.AppendMemEditLog(ctx, after.ID, actor, reason, toMap(before), toMap(after)); err != nil {
		return err
	}
	return s.db.UpsertMemoryIndex(ctx, *after)
}
