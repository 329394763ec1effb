package rbank

import (
	"context"
	"errors"
	"fmt"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
)

// EnqueueLearnJob queues a learn job for a run, requiring feedback to exist.
// Deduplication: an already-queued job is returned as-is; while a job is
// running, exactly one compensation job may be queued behind it so edits
// made after the running job's snapshot are not lost.
func (s *Service) EnqueueLearnJob(ctx context.Context, runID string) (model.RBJob, error) {
	if _, err := s.db.GetFeedbackForRun(ctx, runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.RBJob{}, fmt.Errorf("rbank: run %s has no feedback yet: %w", runID, storage.ErrNotFound)
		}
		return model.RBJob{}, err
	}

	if queued, err := s.db.GetLatestRBJobForRun(ctx, runID, "learn", []model.Status{model.StatusQueued}); err == nil {
		return queued, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.RBJob{}, err
	}

	extra := map[string]any{}
	if _, err := s.db.GetLatestRBJobForRun(ctx, runID, "learn", []model.Status{model.StatusRunning}); err == nil {
		extra["compensation"] = true
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.RBJob{}, err
	}

	job, err := s.db.CreateRBJob(ctx, runID, "learn", extra)
	if err != nil {
		return model.RBJob{}, err
	}
	_, _ = s.db.AppendEvent(ctx, runID, "rb_learn_queued", map[string]any{
		"rb_job_id":    job.ID,
		"compensation": extra["compensation"] == true,
	})
	s.logger.Info("rbank: learn job queued", "run_id", runID, "rb_job_id", job.ID)
	return job, nil
}
