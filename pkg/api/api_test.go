package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/buildsync/pkg/config"
	"github.com/ethpandaops/buildsync/pkg/queue"
	"github.com/ethpandaops/buildsync/pkg/reconcile"
	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/store/storetest"
	"github.com/ethpandaops/buildsync/pkg/task"
)

type enqueued struct {
	name string
	args task.Args
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []enqueued
}

func (d *fakeDispatcher) Enqueue(
	_ context.Context, name string, args task.Args, _ time.Duration,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, enqueued{name: name, args: args})

	return nil
}

func (d *fakeDispatcher) EnqueueTx(
	ctx context.Context, _ store.Store, name string, args task.Args, delay time.Duration,
) error {
	return d.Enqueue(ctx, name, args, delay)
}

type fixture struct {
	store      store.Store
	queue      queue.Queue
	dispatcher *fakeDispatcher
	handler    http.Handler
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) *fixture {
	t.Helper()

	db := storetest.OpenDB(t)
	st := storetest.NewWithDB(t, db)

	q := queue.NewQueue(storetest.Logger(), db)
	require.NoError(t, q.Migrate(context.Background()))

	d := &fakeDispatcher{}
	srv := NewServer(storetest.Logger(), cfg, st, q, d, nil)
	t.Cleanup(func() { _ = srv.Stop() })

	return &fixture{store: st, queue: q, dispatcher: d, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	f := setupTestServer(t, &config.APIConfig{})

	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetBuild(t *testing.T) {
	f := setupTestServer(t, &config.APIConfig{})
	ctx := context.Background()

	build := &store.Build{ProjectID: uuid.New(), Label: "build #7"}
	require.NoError(t, f.store.CreateBuild(ctx, build))
	require.NoError(t, f.store.CreateJob(ctx, &store.Job{BuildID: build.ID}))
	require.NoError(t, f.store.SetStat(ctx, build.ID, store.StatLinesCovered, 42))

	t.Run("found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/builds/"+build.ID.String(), "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp buildResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, build.ID, resp.ID)
		assert.Equal(t, "build #7", resp.Label)
		assert.Len(t, resp.Jobs, 1)
		assert.Equal(t, int64(42), resp.Stats[store.StatLinesCovered])
	})

	t.Run("missing", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/builds/"+uuid.NewString(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/builds/nope", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetStep(t *testing.T) {
	f := setupTestServer(t, &config.APIConfig{})
	ctx := context.Background()

	step := &store.JobStep{JobID: uuid.New(), PhaseID: uuid.New()}
	require.NoError(t, f.store.CreateJobStep(ctx, step))

	_, err := f.store.InsertFailureReasonIfAbsent(ctx, &store.FailureReason{
		StepID: step.ID, Reason: "timeout",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/steps/"+step.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, step.ID, resp.ID)
	require.Len(t, resp.FailureReasons, 1)
	assert.Equal(t, "timeout", resp.FailureReasons[0].Reason)
}

func TestSyncEndpoints(t *testing.T) {
	f := setupTestServer(t, &config.APIConfig{})

	buildID := uuid.New()
	rec := f.do(t, http.MethodPost, "/api/v1/builds/"+buildID.String()+"/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	stepID := uuid.New()
	rec = f.do(t, http.MethodPost, "/api/v1/steps/"+stepID.String()+"/sync", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, f.dispatcher.calls, 2)
	assert.Equal(t, reconcile.TaskSyncBuild, f.dispatcher.calls[0].name)
	assert.Equal(t, buildID.String(), f.dispatcher.calls[0].args["build_id"])
	assert.Equal(t, reconcile.TaskSyncJobStep, f.dispatcher.calls[1].name)
	assert.Equal(t, stepID.String(), f.dispatcher.calls[1].args["step_id"])
}

func TestListTasks(t *testing.T) {
	f := setupTestServer(t, &config.APIConfig{})

	rec := f.do(t, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks":[]}`, rec.Body.String())

	_, _, err := f.queue.Enqueue(
		context.Background(), reconcile.TaskSyncBuild, "build_id=x",
		map[string]string{"build_id": "x"}, time.Now(),
	)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tasks []queue.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, reconcile.TaskSyncBuild, resp.Tasks[0].Name)
}

func TestRequireToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	f := setupTestServer(t, &config.APIConfig{
		Auth: config.APIAuthConfig{TokenHash: string(hash)},
	})
	path := "/api/v1/builds/" + uuid.NewString() + "/sync"

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing", token: "", want: http.StatusUnauthorized},
		{name: "wrong", token: "guess", want: http.StatusUnauthorized},
		{name: "valid", token: "s3cret", want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Reads stay public.
	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := &config.APIConfig{}
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}

	f := setupTestServer(t, cfg)
	path := "/api/v1/builds/" + uuid.NewString() + "/sync"

	// Burst equals the per-minute budget.
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, path, "").Code)

	rec := f.do(t, http.MethodPost, path, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4, 5.6.7.8", want: "1.2.3.4"},
		{name: "real ip", remoteAddr: "10.0.0.1:1234", xri: "9.9.9.9", want: "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}
