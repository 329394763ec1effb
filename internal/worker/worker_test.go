package worker

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/recap"
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
		fmt.Fprintf(os.Stderr, "worker_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func newDryRunWorker(t *testing.T) *Worker {
	t.Helper()
	w := New(testDB, nil, nil, nil, nil, Config{
		PollInterval: 10 * time.Millisecond,
		DryRun:       true,
	}, testutil.TestLogger())
	w.registerMetrics()
	return w
}

// drainQueuedRuns clears any runs left queued by other tests so claim order
// is deterministic.
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

func createBatch(t *testing.T, ctx context.Context, userRequest string, nRuns, recipesPerRun int) (model.Batch, []model.Run) {
	t.Helper()
	batch, runs, err := testDB.CreateBatchWithRuns(ctx, userRequest, nRuns, recipesPerRun, nil)
	require.NoError(t, err)
	return batch, runs
}

func TestDryRunCompletesRun(t *testing.T) {
	ctx := context.Background()
	drainQueuedRuns(t, ctx)
	w := newDryRunWorker(t)

	batch, _ := createBatch(t, ctx, "UiO-66 with maximal surface area", 1, 2)

	claimed, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, batch.ID, claimed.BatchID)

	w.executeRun(ctx, *claimed)

	run, err := testDB.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
	require.NotNil(t, run.EndedAt)

	got, err := testDB.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	page, err := testDB.ListEventsPage(ctx, run.ID, 50, nil, storage.EventFilter{IncludePayload: true})
	require.NoError(t, err)
	var types []string
	for _, ev := range page.Items {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		"recap_info",
		"kb_query",
		"citations_resolved",
		"memories_resolved",
		"final_output",
	}, types)

	final := page.Items[len(page.Items)-1]
	output, ok := final.Payload["output"].(map[string]any)
	require.True(t, ok)
	recipes, ok := output["recipes"].([]any)
	require.True(t, ok)
	assert.Len(t, recipes, 2)

	// Every alias cited in a rationale resolves in the citations map, and the
	// map carries nothing uncited.
	citations, ok := final.Payload["citations"].(map[string]any)
	require.True(t, ok)
	cited := map[string]bool{}
	for _, raw := range recipes {
		recipe, ok := raw.(map[string]any)
		require.True(t, ok)
		rationale, _ := recipe["rationale"].(string)
		for _, m := range aliasToken.FindAllStringSubmatch(rationale, -1) {
			cited[m[1]] = true
		}
	}
	require.NotEmpty(t, cited)
	assert.Len(t, citations, len(cited))
	for alias := range cited {
		assert.Contains(t, citations, alias)
	}
}

var aliasToken = regexp.MustCompile(`\[(C\d+)\]`)

func TestTerminalWritesSurviveCanceledContext(t *testing.T) {
	ctx := context.Background()
	drainQueuedRuns(t, ctx)
	w := newDryRunWorker(t)

	batch, _ := createBatch(t, ctx, "MOF linker exchange screen", 1, 1)

	claimed, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Shutdown lands mid-run: execution proceeds under a dead context, but
	// the run must still reach a terminal status and the batch must settle.
	deadCtx, cancel := context.WithCancel(ctx)
	cancel()
	w.executeRun(deadCtx, *claimed)

	run, err := testDB.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	require.NotNil(t, run.EndedAt)

	got, err := testDB.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	page, err := testDB.ListEventsPage(ctx, run.ID, 10, nil, storage.EventFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "run_failed", page.Items[len(page.Items)-1].Type)
}

func TestDrainFlushesQueuedRun(t *testing.T) {
	ctx := context.Background()
	drainQueuedRuns(t, ctx)

	// The interval is far longer than the test, so the only claim happens in
	// the final poll that Drain triggers.
	w := New(testDB, nil, nil, nil, nil, Config{
		PollInterval: time.Hour,
		DryRun:       true,
	}, testutil.TestLogger())

	_, runs := createBatch(t, ctx, "TiO2 sol-gel baseline", 1, 1)

	w.Start(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	run, err := testDB.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
}

func TestCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	drainQueuedRuns(t, ctx)
	w := newDryRunWorker(t)

	batch, runs := createBatch(t, ctx, "anatase film, low temperature route", 1, 1)
	reason := "operator canceled"
	_, err := testDB.RequestCancel(ctx, model.CancelTargetRun, runs[0].ID, &reason)
	require.NoError(t, err)

	claimed, err := testDB.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	w.executeRun(ctx, *claimed)

	run, err := testDB.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, run.Status)

	got, err := testDB.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)

	page, err := testDB.ListEventsPage(ctx, run.ID, 10, nil, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "run_canceled", page.Items[0].Type)
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, isCanceled(recap.ErrCanceled))
	assert.True(t, isCanceled(fmt.Errorf("wrapped: %w", recap.ErrCanceled)))
	assert.False(t, isCanceled(fmt.Errorf("some other failure")))
	assert.False(t, isCanceled(nil))
}
