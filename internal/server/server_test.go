package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-ai/crucible/internal/memory"
	"github.com/crucible-ai/crucible/internal/model"
	"github.com/crucible-ai/crucible/internal/server"
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
		fmt.Fprintf(os.Stderr, "server_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// fakeBank is an in-memory MemoryBank so API tests need no vector store.
type fakeBank struct {
	items map[string]model.MemoryItem
}

func newFakeBank() *fakeBank {
	return &fakeBank{items: map[string]model.MemoryItem{}}
}

func (f *fakeBank) Save(ctx context.Context, item model.MemoryItem) (model.MemoryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.SchemaVersion == 0 {
		item.SchemaVersion = 1
	}
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeBank) Get(ctx context.Context, memID string) (model.MemoryItem, error) {
	item, ok := f.items[memID]
	if !ok {
		return model.MemoryItem{}, memory.ErrNotFound
	}
	return item, nil
}

func (f *fakeBank) SearchFiltered(ctx context.Context, text string, filter memory.QueryFilter, limit int) ([]model.ScoredMemory, error) {
	var out []model.ScoredMemory
	for _, item := range f.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Role != "" && item.Role != filter.Role {
			continue
		}
		out = append(out, model.ScoredMemory{Item: item})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBank) Archive(ctx context.Context, memID string) (model.MemoryItem, error) {
	item, ok := f.items[memID]
	if !ok {
		return model.MemoryItem{}, memory.ErrNotFound
	}
	item.Status = model.MemoryArchived
	item.UpdatedAt = time.Now().UTC()
	f.items[memID] = item
	return item, nil
}

func (f *fakeBank) Healthy(ctx context.Context) error { return nil }

// fakeLearner records enqueue calls without running a learn pass.
type fakeLearner struct {
	enqueued []string
}

func (f *fakeLearner) EnqueueLearnJob(ctx context.Context, runID string) (model.RBJob, error) {
	f.enqueued = append(f.enqueued, runID)
	return model.RBJob{ID: model.NewID("rbjob"), RunID: runID, Kind: "learn", Status: model.StatusQueued}, nil
}

func (f *fakeLearner) RollbackDelta(ctx context.Context, runID, deltaID, reason string) (string, error) {
	return deltaID, nil
}

func newTestServer(t *testing.T) (http.Handler, *fakeBank, *fakeLearner) {
	t.Helper()
	bank := newFakeBank()
	learner := &fakeLearner{}
	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:      testDB,
			Bank:    bank,
			Learner: learner,
			Logger:  testutil.TestLogger(),
			Version: "test",
		},
		Logger: testutil.TestLogger(),
	})
	return srv.Handler(), bank, learner
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func dataField(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return data
}

func TestCreateBatchValidation(t *testing.T) {
	handler, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing user_request", map[string]any{"n_runs": 1, "recipes_per_run": 1}},
		{"zero runs", map[string]any{"user_request": "x", "n_runs": 0, "recipes_per_run": 1}},
		{"too many runs", map[string]any{"user_request": "x", "n_runs": 9999, "recipes_per_run": 1}},
		{"zero recipes", map[string]any{"user_request": "x", "n_runs": 1, "recipes_per_run": 0}},
		{"unknown field", map[string]any{"user_request": "x", "n_runs": 1, "recipes_per_run": 1, "bogus": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doJSON(t, handler, http.MethodPost, "/v1/batches", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, body, "error")
		})
	}
}

func TestCreateBatchAndFetch(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/v1/batches", map[string]any{
		"user_request":    "three UiO-66 variants",
		"n_runs":          2,
		"recipes_per_run": 3,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	data := dataField(t, body)
	batch := data["batch"].(map[string]any)
	batchID := batch["batch_id"].(string)
	assert.True(t, strings.HasPrefix(batchID, "batch_"))
	runs := data["runs"].([]any)
	require.Len(t, runs, 2)

	rec, body = doJSON(t, handler, http.MethodGet, "/v1/batches/"+batchID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "three UiO-66 variants", dataField(t, body)["user_request"])

	rec, body = doJSON(t, handler, http.MethodGet, "/v1/batches/"+batchID+"/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, dataField(t, body)["items"], 2)

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/batches/batch_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBatchIdempotentReplay(t *testing.T) {
	handler, _, _ := newTestServer(t)
	key := uuid.NewString()
	payload := map[string]any{
		"user_request":    "idempotent batch",
		"n_runs":          1,
		"recipes_per_run": 1,
	}
	headers := map[string]string{"Idempotency-Key": key}

	rec, body := doJSON(t, handler, http.MethodPost, "/v1/batches", payload, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	first := dataField(t, body)["batch"].(map[string]any)["batch_id"].(string)

	// Same key and payload replays the stored response without a new batch.
	rec, body = doJSON(t, handler, http.MethodPost, "/v1/batches", payload, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	replayed := dataField(t, body)["batch"].(map[string]any)["batch_id"].(string)
	assert.Equal(t, first, replayed)

	// Same key, different payload is a conflict.
	payload["user_request"] = "something else"
	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/batches", payload, headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelEndpoints(t *testing.T) {
	handler, _, _ := newTestServer(t)

	_, body := doJSON(t, handler, http.MethodPost, "/v1/batches", map[string]any{
		"user_request":    "cancel target",
		"n_runs":          1,
		"recipes_per_run": 1,
	}, nil)
	data := dataField(t, body)
	batchID := data["batch"].(map[string]any)["batch_id"].(string)
	runID := data["runs"].([]any)[0].(map[string]any)["run_id"].(string)

	rec, body := doJSON(t, handler, http.MethodPost, "/v1/runs/"+runID+"/cancel", map[string]any{"reason": "stop"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	cancelData := dataField(t, body)
	assert.True(t, strings.HasPrefix(cancelData["cancel_id"].(string), "cancel_"))
	assert.Equal(t, "run", cancelData["target_type"])

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/batches/"+batchID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/runs/run_missing/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedbackEndpoint(t *testing.T) {
	handler, _, learner := newTestServer(t)

	_, body := doJSON(t, handler, http.MethodPost, "/v1/batches", map[string]any{
		"user_request":    "feedback target",
		"n_runs":          1,
		"recipes_per_run": 1,
	}, nil)
	runID := dataField(t, body)["runs"].([]any)[0].(map[string]any)["run_id"].(string)

	_, body = doJSON(t, handler, http.MethodPost, "/v1/products", map[string]any{"name": "UiO-66 powder"}, nil)
	productID := dataField(t, body)["product_id"].(string)

	rec, body := doJSON(t, handler, http.MethodPut, "/v1/runs/"+runID+"/feedback", map[string]any{
		"score": 0.9,
		"pros":  "good yield",
		"products": []map[string]any{
			{"product_id": productID, "value": 2.0},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := dataField(t, body)
	fb := data["feedback"].(map[string]any)
	assert.Equal(t, runID, fb["run_id"])
	require.NotNil(t, data["rb_job"])
	assert.Equal(t, []string{runID}, learner.enqueued)

	rec, body = doJSON(t, handler, http.MethodGet, "/v1/runs/"+runID+"/feedback", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "good yield", dataField(t, body)["pros"])

	// Negative product values are rejected before any write.
	rec, _ = doJSON(t, handler, http.MethodPut, "/v1/runs/"+runID+"/feedback", map[string]any{
		"products": []map[string]any{{"product_id": productID, "value": -1.0}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/runs/run_missing/feedback", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryEndpoints(t *testing.T) {
	handler, bank, _ := newTestServer(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/v1/memories", map[string]any{
		"role":    "mof_expert",
		"content": "wash with fresh DMF before activation",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := dataField(t, body)
	memID := item["mem_id"].(string)
	assert.Equal(t, "manual_note", item["type"])
	assert.Equal(t, "active", item["status"])

	rec, body = doJSON(t, handler, http.MethodGet, "/v1/memories/"+memID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wash with fresh DMF before activation", dataField(t, body)["content"])

	rec, body = doJSON(t, handler, http.MethodPost, "/v1/memories/search", map[string]any{
		"query": "DMF washing",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, dataField(t, body)["items"], 1)

	rec, body = doJSON(t, handler, http.MethodPost, "/v1/memories/"+memID+"/archive", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archived", dataField(t, body)["status"])
	assert.Equal(t, model.MemoryArchived, bank.items[memID].Status)

	// Archived items drop out of the default active search.
	rec, body = doJSON(t, handler, http.MethodPost, "/v1/memories/search", map[string]any{
		"query": "DMF washing",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, dataField(t, body)["items"])

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/memories", map[string]any{"content": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/memories", map[string]any{"role": "admin", "content": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/memories/search", map[string]any{"query": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/memories/"+uuid.NewString()+"/archive", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/memories?role=admin", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductEndpoints(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/v1/products", map[string]any{"name": "anatase film"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	productID := dataField(t, body)["product_id"].(string)

	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/products", map[string]any{"name": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doJSON(t, handler, http.MethodPatch, "/v1/products/"+productID, map[string]any{"status": "archived"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archived", dataField(t, body)["status"])

	rec, _ = doJSON(t, handler, http.MethodPatch, "/v1/products/"+productID, map[string]any{"status": "deleted"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPatch, "/v1/products/"+productID, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, handler, http.MethodPatch, "/v1/products/prod_missing", map[string]any{"status": "active"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunOutputNotReady(t *testing.T) {
	handler, _, _ := newTestServer(t)

	_, body := doJSON(t, handler, http.MethodPost, "/v1/batches", map[string]any{
		"user_request":    "output target",
		"n_runs":          1,
		"recipes_per_run": 1,
	}, nil)
	runID := dataField(t, body)["runs"].([]any)[0].(map[string]any)["run_id"].(string)

	rec, _ := doJSON(t, handler, http.MethodGet, "/v1/runs/"+runID+"/output", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataField(t, body)
	assert.Equal(t, "test", data["version"])
	checks := data["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "ok", checks["memory_store"])
}
