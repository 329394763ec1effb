package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/storage"
	"github.com/crucible-ai/crucible/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// drainQueuedRuns claims and fails every queued run so claim-order tests
// start from an empty queue.
func drainQueuedRuns(t *testing.T, ctx context.Context) {
	t.Helper()
	for {
		run, err := testDB.ClaimNextQueuedRun(ctx)
		require.NoError(t, err)
		if run == nil {
			return
		}
		msg := "drained by test setup"
		require.NoError(t, testDB.UpdateRunStatus(ctx, run.ID, model.StatusFailed, &msg))
	}
}

func drainQueuedRBJobs(t *testing.T, ctx context.Context) {
	t.Helper()
	for {
		job, err := testDB.ClaimNextQueuedRBJob(ctx)
		require.NoError(t, err)
		if job == nil {
			return
		}
		msg := "drained by test setup"
		require.NoError(t, testDB.UpdateRBJobStatus(ctx, job.ID, model.StatusFailed, &msg))
	}
}

func TestCreateBatchWithRuns(t *testing.T) {
	ctx := context.Background()

	batch, runs, err := testDB.CreateBatchWithRuns(ctx, "UiO-66 screening", 3, 2, map[string]any{"seed": 7})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, batch.Status)
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, batch.ID, r.BatchID)
		assert.Equal(t, i+1, r.RunIndex)
		assert.Equal(t, model.StatusQueued, r.Status)
	}

	got, err := testDB.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "UiO-66 screening", got.UserRequest)
	assert.Equal(t, 3, got.NRuns)

	listed, err := testDB.ListRunsForBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	_, err = testDB.GetBatch(ctx, "batch_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = testDB.CreateBatchWithRuns(ctx, "bad", 0, 1, nil)
	assert.Error(t, err)
}

func TestClaimNextQueuedRunFIFO(t *testing.T) {
	ctx := context.Background()
	drainQueuedRuns(t, ctx)

	older, _, err := testDB.CreateBatchWithRuns(ctx, "older batch", 1, 1, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, _, err := testDB.CreateBatchWithRuns(ctx, "newer batch", 1, 1, nil)
	require.NoError(t, err)

	first, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, older.ID, first.BatchID)
	assert.Equal(t, model.StatusRunning, first.Status)
	require.NotNil(t, first.StartedAt)

	// Claiming marks the batch running too.
	b, err := testDB.GetBatch(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, b.Status)

	second, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, newer.ID, second.BatchID)

	third, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)

	// Leave no running runs behind for later tests.
	for _, r := range []*model.Run{first, second} {
		require.NoError(t, testDB.UpdateRunStatus(ctx, r.ID, model.StatusCompleted, nil))
	}
}

func TestUpdateRunStatusTimestampsSticky(t *testing.T) {
	ctx := context.Background()

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "timestamp test", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	require.NoError(t, testDB.UpdateRunStatus(ctx, runID, model.StatusRunning, nil))
	r1, err := testDB.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, r1.StartedAt)
	assert.Nil(t, r1.EndedAt)

	msg := "boom"
	require.NoError(t, testDB.UpdateRunStatus(ctx, runID, model.StatusFailed, &msg))
	r2, err := testDB.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, r2.EndedAt)
	require.NotNil(t, r2.Error)
	assert.Equal(t, "boom", *r2.Error)
	assert.True(t, r2.StartedAt.Equal(*r1.StartedAt))

	// A second terminal transition keeps the original ended_at and error.
	other := "later"
	require.NoError(t, testDB.UpdateRunStatus(ctx, runID, model.StatusFailed, &other))
	r3, err := testDB.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.True(t, r3.EndedAt.Equal(*r2.EndedAt))
	assert.Equal(t, "boom", *r3.Error)

	assert.ErrorIs(t, testDB.UpdateRunStatus(ctx, "run_missing", model.StatusFailed, nil), storage.ErrNotFound)
}

func TestFinalizeBatchStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op while runs active", func(t *testing.T) {
		batch, runs, err := testDB.CreateBatchWithRuns(ctx, "active", 2, 1, nil)
		require.NoError(t, err)
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[0].ID, model.StatusCompleted, nil))

		status, err := testDB.FinalizeBatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.Status(""), status)
	})

	t.Run("failed wins", func(t *testing.T) {
		batch, runs, err := testDB.CreateBatchWithRuns(ctx, "failures", 3, 1, nil)
		require.NoError(t, err)
		msg := "exploded"
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[0].ID, model.StatusCompleted, nil))
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[1].ID, model.StatusFailed, &msg))
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[2].ID, model.StatusCanceled, nil))

		status, err := testDB.FinalizeBatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, status)

		b, err := testDB.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, b.Status)
		assert.NotNil(t, b.EndedAt)
	})

	t.Run("canceled beats completed", func(t *testing.T) {
		batch, runs, err := testDB.CreateBatchWithRuns(ctx, "cancels", 2, 1, nil)
		require.NoError(t, err)
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[0].ID, model.StatusCompleted, nil))
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[1].ID, model.StatusCanceled, nil))

		status, err := testDB.FinalizeBatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCanceled, status)
	})

	t.Run("all completed", func(t *testing.T) {
		batch, runs, err := testDB.CreateBatchWithRuns(ctx, "clean", 2, 1, nil)
		require.NoError(t, err)
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[0].ID, model.StatusCompleted, nil))
		require.NoError(t, testDB.UpdateRunStatus(ctx, runs[1].ID, model.StatusCompleted, nil))

		status, err := testDB.FinalizeBatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, status)
	})

	t.Run("unknown batch", func(t *testing.T) {
		_, err := testDB.FinalizeBatchStatus(ctx, "batch_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestReconcileRunningRuns(t *testing.T) {
	ctx := context.Background()
	drainQueuedRuns(t, ctx)

	batch, _, err := testDB.CreateBatchWithRuns(ctx, "crash recovery", 1, 1, nil)
	require.NoError(t, err)
	claimed, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := testDB.ReconcileRunningRuns(ctx, "worker restarted while run was in progress")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := testDB.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, "worker restarted while run was in progress", *r.Error)

	ev, err := testDB.GetLatestEvent(ctx, claimed.ID, "run_failed")
	require.NoError(t, err)
	assert.Equal(t, "worker restarted while run was in progress", ev.Payload["error"])

	status, err := testDB.FinalizeBatchStatus(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)

	// Nothing left in running state.
	n, err = testDB.ReconcileRunningRuns(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCancelRequests(t *testing.T) {
	ctx := context.Background()

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "cancelable", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	requested, err := testDB.IsCancelRequested(ctx, model.CancelTargetRun, runID)
	require.NoError(t, err)
	assert.False(t, requested)

	reason := "operator said stop"
	cancelID, err := testDB.RequestCancel(ctx, model.CancelTargetRun, runID, &reason)
	require.NoError(t, err)
	assert.NotEmpty(t, cancelID)

	requested, err = testDB.IsCancelRequested(ctx, model.CancelTargetRun, runID)
	require.NoError(t, err)
	assert.True(t, requested)

	// Acknowledged requests still count as requested.
	require.NoError(t, testDB.AcknowledgeCancel(ctx, model.CancelTargetRun, runID))
	requested, err = testDB.IsCancelRequested(ctx, model.CancelTargetRun, runID)
	require.NoError(t, err)
	assert.True(t, requested)

	// The batch target is independent of the run target.
	requested, err = testDB.IsCancelRequested(ctx, model.CancelTargetBatch, runs[0].BatchID)
	require.NoError(t, err)
	assert.False(t, requested)

	_, err = testDB.RequestCancel(ctx, model.CancelTarget("job"), runID, nil)
	assert.Error(t, err)
}

func TestEventsPaging(t *testing.T) {
	ctx := context.Background()

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "event paging", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := testDB.AppendEvent(ctx, runID, "recap_info", map[string]any{"seq": i})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	_, err = testDB.AppendEvent(ctx, runID, "kb_query", map[string]any{"query": "x"})
	require.NoError(t, err)

	page1, err := testDB.ListEventsPage(ctx, runID, 2, nil, storage.EventFilter{
		EventTypes:     []string{"recap_info"},
		IncludePayload: true,
	})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	assert.True(t, page1.HasMore)
	require.NotNil(t, page1.NextCursor)
	assert.Equal(t, ids[0], page1.Items[0].ID)
	assert.Equal(t, ids[1], page1.Items[1].ID)
	assert.EqualValues(t, 0, page1.Items[0].Payload["seq"])

	cursor, err := storage.DecodeCursor(*page1.NextCursor)
	require.NoError(t, err)
	page2, err := testDB.ListEventsPage(ctx, runID, 2, cursor, storage.EventFilter{
		EventTypes:     []string{"recap_info"},
		IncludePayload: true,
	})
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	assert.Equal(t, ids[2], page2.Items[0].ID)
	assert.Equal(t, ids[3], page2.Items[1].ID)

	cursor, err = storage.DecodeCursor(*page2.NextCursor)
	require.NoError(t, err)
	page3, err := testDB.ListEventsPage(ctx, runID, 2, cursor, storage.EventFilter{
		EventTypes:     []string{"recap_info"},
		IncludePayload: true,
	})
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	assert.False(t, page3.HasMore)
	assert.Nil(t, page3.NextCursor)

	// Payloads are withheld unless asked for.
	noPayload, err := testDB.ListEventsPage(ctx, runID, 10, nil, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, noPayload.Items, 6)
	assert.Empty(t, noPayload.Items[0].Payload)

	counts, err := testDB.CountEventTypes(ctx, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, counts["recap_info"])
	assert.Equal(t, 1, counts["kb_query"])
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	key := model.NewID("idem")

	lookup, err := testDB.BeginIdempotency(ctx, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	// Same key while in progress blocks.
	_, err = testDB.BeginIdempotency(ctx, key, "hash-a")
	assert.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	// Same key with a different payload is a conflict regardless of state.
	_, err = testDB.BeginIdempotency(ctx, key, "hash-b")
	assert.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)

	require.NoError(t, testDB.CompleteIdempotency(ctx, key, 201, map[string]any{"batch_id": "batch_1"}))

	replay, err := testDB.BeginIdempotency(ctx, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	var body map[string]any
	require.NoError(t, json.Unmarshal(replay.ResponseData, &body))
	assert.Equal(t, "batch_1", body["batch_id"])

	// Completing twice fails; the record is no longer in progress.
	assert.Error(t, testDB.CompleteIdempotency(ctx, key, 201, nil))

	// Clearing an in-progress reservation lets the client retry.
	key2 := model.NewID("idem")
	_, err = testDB.BeginIdempotency(ctx, key2, "hash-c")
	require.NoError(t, err)
	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, key2))
	lookup, err = testDB.BeginIdempotency(ctx, key2, "hash-c")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestFeedbackFractions(t *testing.T) {
	ctx := context.Background()

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "feedback run", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	mof, err := testDB.CreateProduct(ctx, "UiO-66 powder", nil)
	require.NoError(t, err)
	anatase, err := testDB.CreateProduct(ctx, "anatase film", nil)
	require.NoError(t, err)

	score := 0.8
	fb, err := testDB.UpsertFeedback(ctx, runID, storage.FeedbackInput{
		Score: &score,
		Pros:  "high crystallinity",
		Cons:  "long synthesis time",
		Products: []storage.FeedbackProductInput{
			{ProductID: mof.ID, Value: 3},
			{ProductID: anatase.ID, Value: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, fb.Products, 2)
	assert.Equal(t, mof.ID, fb.Products[0].ProductID) // ordered by value desc
	assert.InDelta(t, 0.75, fb.Products[0].Fraction, 1e-9)
	assert.InDelta(t, 0.25, fb.Products[1].Fraction, 1e-9)

	// Re-submitting replaces the record and its product rows.
	fb2, err := testDB.UpsertFeedback(ctx, runID, storage.FeedbackInput{
		Pros: "revised",
		Products: []storage.FeedbackProductInput{
			{ProductID: mof.ID, Value: 0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, fb.ID, fb2.ID)
	assert.Equal(t, "revised", fb2.Pros)
	require.Len(t, fb2.Products, 1)
	assert.Zero(t, fb2.Products[0].Fraction) // zero sum yields zero fractions

	_, err = testDB.UpsertFeedback(ctx, runID, storage.FeedbackInput{
		Products: []storage.FeedbackProductInput{{ProductID: "prod_missing", Value: 1}},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.UpsertFeedback(ctx, "run_missing", storage.FeedbackInput{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, runs2, err := testDB.CreateBatchWithRuns(ctx, "no feedback", 1, 1, nil)
	require.NoError(t, err)
	_, err = testDB.GetFeedbackForRun(ctx, runs2[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRBJobLifecycle(t *testing.T) {
	ctx := context.Background()
	drainQueuedRBJobs(t, ctx)

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "learn run", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	job, err := testDB.CreateRBJob(ctx, runID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "learn", job.Kind)
	assert.Equal(t, model.StatusQueued, job.Status)

	claimed, err := testDB.ClaimNextQueuedRBJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, model.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	none, err := testDB.ClaimNextQueuedRBJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, testDB.UpdateRBJobStatus(ctx, job.ID, model.StatusCompleted, nil))
	done, err := testDB.GetRBJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.NotNil(t, done.EndedAt)

	latest, err := testDB.GetLatestRBJobForRun(ctx, runID, "learn", []model.Status{model.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, job.ID, latest.ID)

	_, err = testDB.CreateRBJob(ctx, "run_missing", "learn", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRBDeltaLifecycle(t *testing.T) {
	ctx := context.Background()

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "delta run", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	before := &model.MemoryItem{ID: "mem-1", Status: model.MemoryActive, Content: "old lesson"}
	delta, err := testDB.CreateRBDelta(ctx, runID, []model.DeltaOp{
		{Op: model.OpAdd, MemID: "mem-2"},
		{Op: model.OpUpdate, MemID: "mem-1", Before: before},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DeltaApplied, delta.Status)

	got, err := testDB.GetRBDelta(ctx, delta.ID)
	require.NoError(t, err)
	require.Len(t, got.Ops, 2)
	assert.Equal(t, model.OpUpdate, got.Ops[1].Op)
	require.NotNil(t, got.Ops[1].Before)
	assert.Equal(t, "old lesson", got.Ops[1].Before.Content)

	applied, err := testDB.ListRBDeltasForRun(ctx, runID, model.DeltaApplied, 10)
	require.NoError(t, err)
	require.Len(t, applied, 1)

	reason := "bad feedback"
	require.NoError(t, testDB.MarkRBDeltaRolledBack(ctx, delta.ID, &reason))
	rolled, err := testDB.GetRBDelta(ctx, delta.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeltaRolledBack, rolled.Status)
	require.NotNil(t, rolled.RolledBackReason)
	assert.Equal(t, "bad feedback", *rolled.RolledBackReason)

	// Already rolled back: the update matches nothing.
	assert.ErrorIs(t, testDB.MarkRBDeltaRolledBack(ctx, delta.ID, &reason), storage.ErrNotFound)

	applied, err = testDB.ListRBDeltasForRun(ctx, runID, model.DeltaApplied, 10)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestEvidenceAggregation(t *testing.T) {
	ctx := context.Background()

	_, runs, err := testDB.CreateBatchWithRuns(ctx, "evidence run", 1, 1, nil)
	require.NoError(t, err)
	runID := runs[0].ID

	chunk := func(alias, content string) map[string]any {
		return map[string]any{
			"alias":     alias,
			"ref":       "kb:kb_principles:" + alias,
			"namespace": "kb_principles",
			"source":    "synthesis-handbook",
			"origin_id": "doc_" + alias,
			"content":   content,
		}
	}
	_, err = testDB.AppendEvent(ctx, runID, "kb_query", map[string]any{
		"query":   "modulators",
		"results": []any{chunk("C1", "acetic acid"), chunk("C2", "formic acid")},
	})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = testDB.AppendEvent(ctx, runID, "kb_query", map[string]any{
		"query":   "temperature",
		"results": []any{chunk("C2", "ignored duplicate"), chunk("C10", "ramp rates")},
	})
	require.NoError(t, err)

	items, err := testDB.ListEvidenceForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "C1", items[0].Alias)
	assert.Equal(t, "C2", items[1].Alias)
	assert.Equal(t, "C10", items[2].Alias) // numeric order, not lexical
	assert.Equal(t, "formic acid", items[1].Content)

	item, err := testDB.GetEvidenceItem(ctx, runID, "C10")
	require.NoError(t, err)
	assert.Equal(t, "ramp rates", item.Content)
	assert.Equal(t, "doc_C10", item.OriginID)

	_, err = testDB.GetEvidenceItem(ctx, runID, "C99")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	page, hasMore, err := testDB.ListEvidencePage(ctx, runID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, hasMore)

	page, hasMore, err = testDB.ListEvidencePage(ctx, runID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.False(t, hasMore)

	page, _, err = testDB.ListEvidencePage(ctx, runID, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestProducts(t *testing.T) {
	ctx := context.Background()

	p, err := testDB.CreateProduct(ctx, "zeolite pellets", map[string]any{"lot": "A-7"})
	require.NoError(t, err)
	assert.Equal(t, "active", p.Status)

	archived := "archived"
	updated, err := testDB.UpdateProduct(ctx, p.ID, nil, &archived)
	require.NoError(t, err)
	assert.Equal(t, "archived", updated.Status)
	assert.Equal(t, "zeolite pellets", updated.Name)

	name := "zeolite pellets v2"
	updated, err = testDB.UpdateProduct(ctx, p.ID, &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "zeolite pellets v2", updated.Name)
	assert.Equal(t, "archived", updated.Status)

	bad := "deleted"
	_, err = testDB.UpdateProduct(ctx, p.ID, nil, &bad)
	assert.Error(t, err)

	_, err = testDB.UpdateProduct(ctx, "prod_missing", &name, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	listed, err := testDB.ListProducts(ctx, "archived", 100)
	require.NoError(t, err)
	found := false
	for _, lp := range listed {
		assert.Equal(t, "archived", lp.Status)
		if lp.ID == p.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMemoryIndex(t *testing.T) {
	ctx := context.Background()

	item := model.MemoryItem{
		ID:            "b7c9d1e3-0000-4000-8000-000000000001",
		Status:        model.MemoryActive,
		Role:          model.RoleMOFExpert,
		Type:          model.TypeBankItem,
		Content:       "wash with fresh DMF before activation",
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		SchemaVersion: 1,
	}
	require.NoError(t, testDB.UpsertMemoryIndex(ctx, item))

	entry, err := testDB.GetMemoryIndexEntry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryActive, entry.Status)
	assert.Equal(t, model.RoleMOFExpert, entry.Role)

	// Upsert with a new status replaces the row.
	item.Status = model.MemoryArchived
	item.UpdatedAt = time.Now().UTC()
	require.NoError(t, testDB.UpsertMemoryIndex(ctx, item))
	entry, err = testDB.GetMemoryIndexEntry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryArchived, entry.Status)

	page, err := testDB.ListMemoryIndexPage(ctx, 10, nil, storage.MemoryIndexFilter{
		Status: model.MemoryArchived,
		Role:   model.RoleMOFExpert,
	})
	require.NoError(t, err)
	found := false
	for _, e := range page.Items {
		if e.MemID == item.ID {
			found = true
		}
	}
	assert.True(t, found)

	_, err = testDB.GetMemoryIndexEntry(ctx, "00000000-0000-4000-8000-00000000dead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
