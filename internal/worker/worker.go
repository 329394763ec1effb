// Package worker runs the single background poll loop that claims queued
// runs and reasoning-bank jobs and executes them one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/rbank"
	"github.com/crucible-ai/crucible/internal/recap"
	"github.com/crucible-ai/crucible/internal/storage"
	"github.com/crucible-ai/crucible/internal/telemetry"
)

// Config tunes the worker.
type Config struct {
	PollInterval time.Duration
	DryRun       bool
	Recap        recap.Config
}

// Worker polls the store and executes claimed work. One unit of work at a
// time; the loop blocks while a run or job executes. A single run's failure
// never stops the loop.
type Worker struct {
	db     *storage.DB
	engine *recap.Engine
	chat   recap.ChatClient
	kb     recap.KnowledgeSearcher
	memory recap.MemoryReader
	rb     *rbank.Service
	logger *slog.Logger
	cfg    Config

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context

	runsClaimed   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter
	rbProcessed   metric.Int64Counter
}

// New creates a Worker.
func New(db *storage.DB, chat recap.ChatClient, kbSearcher recap.KnowledgeSearcher, mem recap.MemoryReader, rb *rbank.Service, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		db:      db,
		engine:  recap.New(),
		chat:    chat,
		kb:      kbSearcher,
		memory:  mem,
		rb:      rb,
		logger:  logger,
		cfg:     cfg,
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// ReconcileOnStart force-fails runs left running by a prior crash and
// re-derives their batches' statuses. Called once before Start.
func (w *Worker) ReconcileOnStart(ctx context.Context) error {
	n, err := w.db.ReconcileRunningRuns(ctx, "worker restarted while run was in progress")
	if err != nil {
		return fmt.Errorf("worker: reconcile: %w", err)
	}
	if n > 0 {
		w.logger.Warn("worker: reconciled orphaned runs", "count", n)
	}

	batchIDs, err := w.db.ListActiveBatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, batchID := range batchIDs {
		if _, err := w.db.FinalizeBatchStatus(ctx, batchID); err != nil {
			w.logger.Error("worker: finalize batch after reconcile", "batch_id", batchID, "error", err)
		}
	}
	return nil
}

// Start begins the poll loop. Safe to call only once; subsequent calls are
// no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the loop to stop and blocks until the in-flight unit of
// work finishes, one final poll flushes queued work, or the context
// expires. The drain context bounds the final poll only; it never cancels
// a unit already executing.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop only lands between units: work claimed on a tick runs
			// on an uncancelable context, so canceling the loop never
			// aborts an executing run or its status writes.
			var drainCtx context.Context
			var cancel context.CancelFunc
			select {
			case drainCtx = <-w.drainCh:
			default:
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			}
			w.pollOnce(drainCtx)
			if cancel != nil {
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.pollOnce(context.WithoutCancel(ctx))
		}
	}
}

// pollOnce claims at most one unit of work: a run first, else a
// reasoning-bank job, never both per cycle.
func (w *Worker) pollOnce(ctx context.Context) {
	var run *model.Run
	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var cerr error
		run, cerr = w.db.ClaimNextQueuedRun(ctx)
		return cerr
	})
	if err != nil {
		w.logger.Error("worker: claim run", "error", err)
		return
	}
	if run != nil {
		w.runsClaimed.Add(ctx, 1)
		w.executeRun(ctx, *run)
		return
	}

	var job *model.RBJob
	err = storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var cerr error
		job, cerr = w.db.ClaimNextQueuedRBJob(ctx)
		return cerr
	})
	if err != nil {
		w.logger.Error("worker: claim rb job", "error", err)
		return
	}
	if job != nil {
		w.executeRBJob(ctx, *job)
	}
}

// executeRun drives one claimed run to a terminal status. Panics are
// contained here: they fail the run, not the loop.
func (w *Worker) executeRun(ctx context.Context, run model.Run) {
	logger := w.logger.With("run_id", run.ID, "batch_id", run.BatchID)
	logger.Info("worker: run claimed", "run_index", run.RunIndex)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			logger.Error("worker: run panicked", "panic", r, "stack", string(debug.Stack()))
			w.failRun(ctx, run, msg)
		}
		if _, err := w.db.FinalizeBatchStatus(context.WithoutCancel(ctx), run.BatchID); err != nil {
			logger.Error("worker: finalize batch", "error", err)
		}
	}()

	canceled, err := w.cancelRequested(ctx, run)
	if err != nil {
		w.failRun(ctx, run, "cancel check failed: "+err.Error())
		return
	}
	if canceled {
		w.cancelRun(ctx, run, "canceled before start")
		return
	}

	batch, err := w.db.GetBatch(ctx, run.BatchID)
	if err != nil {
		w.failRun(ctx, run, "load batch: "+err.Error())
		return
	}

	var output map[string]any
	if w.cfg.DryRun {
		output, err = w.simulateRun(ctx, run, batch)
	} else {
		output, err = w.executeEngine(ctx, run, batch)
	}

	switch {
	case err == nil:
		_ = output
		if uerr := w.db.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, model.StatusCompleted, nil); uerr != nil {
			logger.Error("worker: mark run completed", "error", uerr)
			return
		}
		w.runsCompleted.Add(ctx, 1)
		logger.Info("worker: run completed")
	case isCanceled(err):
		w.cancelRun(ctx, run, "canceled at checkpoint")
	default:
		w.failRun(ctx, run, err.Error())
	}
}

func (w *Worker) executeEngine(ctx context.Context, run model.Run, batch model.Batch) (map[string]any, error) {
	cfg := w.cfg.Recap
	cfg.RecipesPerRun = batch.RecipesPerRun

	session := &recap.Session{
		RunID:       run.ID,
		UserRequest: batch.UserRequest,
		Config:      cfg,
		Chat:        w.chat,
		KB:          w.kb,
		Memory:      w.memory,
		Events:      w.db,
		Logger:      w.logger.With("run_id", run.ID),
		Cancel: func(ctx context.Context) (bool, error) {
			return w.cancelRequested(ctx, run)
		},
	}
	return w.engine.Execute(ctx, session)
}

func (w *Worker) cancelRequested(ctx context.Context, run model.Run) (bool, error) {
	if requested, err := w.db.IsCancelRequested(ctx, model.CancelTargetBatch, run.BatchID); err != nil || requested {
		return requested, err
	}
	return w.db.IsCancelRequested(ctx, model.CancelTargetRun, run.ID)
}

// cancelRun records the terminal state on an uncancelable context so a
// shutdown or expired deadline cannot strand the run in running.
func (w *Worker) cancelRun(ctx context.Context, run model.Run, note string) {
	ctx = context.WithoutCancel(ctx)
	_ = w.db.AcknowledgeCancel(ctx, model.CancelTargetBatch, run.BatchID)
	_ = w.db.AcknowledgeCancel(ctx, model.CancelTargetRun, run.ID)
	_, _ = w.db.AppendEvent(ctx, run.ID, "run_canceled", map[string]any{"note": note})
	reason := "canceled"
	if err := w.db.UpdateRunStatus(ctx, run.ID, model.StatusCanceled, &reason); err != nil {
		w.logger.Error("worker: mark run canceled", "run_id", run.ID, "error", err)
	}
	w.logger.Info("worker: run canceled", "run_id", run.ID)
}

func (w *Worker) failRun(ctx context.Context, run model.Run, msg string) {
	ctx = context.WithoutCancel(ctx)
	_, _ = w.db.AppendEvent(ctx, run.ID, "run_failed", map[string]any{"error": msg})
	if err := w.db.UpdateRunStatus(ctx, run.ID, model.StatusFailed, &msg); err != nil {
		w.logger.Error("worker: mark run failed", "run_id", run.ID, "error", err)
	}
	w.runsFailed.Add(ctx, 1)
	w.logger.Warn("worker: run failed", "run_id", run.ID, "error", msg)
}

// executeRBJob drives one claimed learn job to a terminal status.
func (w *Worker) executeRBJob(ctx context.Context, job model.RBJob) {
	logger := w.logger.With("rb_job_id", job.ID, "run_id", job.RunID)
	logger.Info("worker: rb job claimed", "kind", job.Kind)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			logger.Error("worker: rb job panicked", "panic", r, "stack", string(debug.Stack()))
			_ = w.db.UpdateRBJobStatus(context.WithoutCancel(ctx), job.ID, model.StatusFailed, &msg)
		}
	}()

	delta, err := w.rb.Learn(ctx, job.RunID, job.ID)
	w.rbProcessed.Add(ctx, 1)
	if err != nil {
		msg := err.Error()
		if uerr := w.db.UpdateRBJobStatus(context.WithoutCancel(ctx), job.ID, model.StatusFailed, &msg); uerr != nil {
			logger.Error("worker: mark rb job failed", "error", uerr)
		}
		logger.Warn("worker: rb job failed", "error", msg)
		return
	}
	if err := w.db.UpdateRBJobStatus(context.WithoutCancel(ctx), job.ID, model.StatusCompleted, nil); err != nil {
		logger.Error("worker: mark rb job completed", "error", err)
		return
	}
	logger.Info("worker: rb job completed", "delta_id", delta.ID, "n_ops", len(delta.Ops))
}

func isCanceled(err error) bool {
	return errors.Is(err, recap.ErrCanceled)
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("crucible/worker")
	w.runsClaimed, _ = meter.Int64Counter("crucible.worker.runs_claimed",
		metric.WithDescription("Runs claimed from the queue"))
	w.runsCompleted, _ = meter.Int64Counter("crucible.worker.runs_completed",
		metric.WithDescription("Runs finished with completed status"))
	w.runsFailed, _ = meter.Int64Counter("crucible.worker.runs_failed",
		metric.WithDescription("Runs finished with failed status"))
	w.rbProcessed, _ = meter.Int64Counter("crucible.worker.rb_jobs_processed",
		metric.WithDescription("Reasoning-bank jobs processed"))
}
