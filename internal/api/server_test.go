package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/config"
	"github.com/e3brown-rba/ikoma-tracker/internal/estimate"
	"github.com/e3brown-rba/ikoma-tracker/internal/track"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seqIDGen hands out predictable ids so response assertions stay exact.
type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

type testEnv struct {
	server *Server
	store  *track.Store
	clock  *fakeClock
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := track.New(track.Config{
		KindSteps: map[string]int{"offline": 3, "online": 5, "batch": 10},
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	estimator := estimate.New(estimate.Config{
		Baselines: map[string]time.Duration{
			"offline": 25 * time.Second,
			"online":  45 * time.Second,
			"batch":   120 * time.Second,
		},
		DefaultBaseline: 60 * time.Second,
		Clock:           clock,
	})
	server := NewServer(store, estimator, &seqIDGen{}, clock, cfg, nil, zap.NewNop())
	return &testEnv{server: server, store: store, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func runField(t *testing.T, rr *httptest.ResponseRecorder, field string) any {
	t.Helper()
	body := decodeBody(t, rr)
	rec, ok := body["run"].(map[string]any)
	require.True(t, ok, "response missing run object: %s", rr.Body.String())
	return rec[field]
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestCreateRunGeneratesID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPost, "/v1/runs", map[string]string{
		"name": "Demo",
		"kind": "offline",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "run-1", runField(t, rr, "id"))
	require.Equal(t, "running", runField(t, rr, "status"))
	require.Equal(t, "initializing", runField(t, rr, "phase"))
	require.Equal(t, float64(3), runField(t, rr, "total_steps"))

	_, err := env.store.Get("run-1")
	require.NoError(t, err)
}

func TestCreateRunWithExplicitIDAndGoal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPost, "/v1/runs", map[string]string{
		"id":   "a1",
		"name": "Demo",
		"kind": "offline",
		"goal": "write a haiku",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "a1", runField(t, rr, "id"))
	require.Equal(t, "write a haiku", runField(t, rr, "goal"))
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPost, "/v1/runs", map[string]string{"kind": "offline"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateRunConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	payload := map[string]string{"id": "a1", "name": "Demo", "kind": "offline"}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/v1/runs", payload).Code)
	require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/runs", payload).Code)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodGet, "/v1/runs/nope", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListRunsWithStatusFilter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "First", "offline")
	require.NoError(t, err)
	_, err = env.store.Create("a2", "Second", "offline")
	require.NoError(t, err)
	env.store.MarkCompleted("a2")

	rr := env.do(t, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody(t, rr)["runs"], 2)

	rr = env.do(t, http.MethodGet, "/v1/runs?status=running", nil)
	require.Len(t, decodeBody(t, rr)["runs"], 1)

	rr = env.do(t, http.MethodGet, "/v1/runs?status=completed", nil)
	require.Len(t, decodeBody(t, rr)["runs"], 1)

	rr = env.do(t, http.MethodGet, "/v1/runs?status=error", nil)
	require.Len(t, decodeBody(t, rr)["runs"], 0)

	rr = env.do(t, http.MethodGet, "/v1/runs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestOutputDrivesRunState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	rr := env.do(t, http.MethodPost, "/v1/runs/a1/output", map[string]string{
		"line": "Step 1: create_text_file",
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rec, err := env.store.Get("a1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.StepsCompleted)
	require.Equal(t, 90, rec.Progress)
}

// TestIngestOutputUnknownRunAccepted: output for a dead run is acknowledged
// and dropped so workers never see errors after a delete.
func TestIngestOutputUnknownRunAccepted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPost, "/v1/runs/ghost/output", map[string]string{
		"line": "Step 1: too late",
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Empty(t, env.store.List())
}

func TestPatchRunUpdatesFields(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	rr := env.do(t, http.MethodPatch, "/v1/runs/a1", map[string]any{
		"goal":     "ship it",
		"progress": 40,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ship it", runField(t, rr, "goal"))
	require.Equal(t, float64(40), runField(t, rr, "progress"))
}

func TestPatchRunNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodPatch, "/v1/runs/nope", map[string]any{"progress": 40})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCompleteRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	rr := env.do(t, http.MethodPost, "/v1/runs/a1/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "completed", runField(t, rr, "status"))
	require.Equal(t, float64(100), runField(t, rr, "progress"))
	require.NotNil(t, runField(t, rr, "end_time"))
}

func TestFailRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	rr := env.do(t, http.MethodPost, "/v1/runs/a1/fail", map[string]string{
		"message": "worker crashed",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "error", runField(t, rr, "status"))
	require.Equal(t, "worker crashed", runField(t, rr, "error_message"))
}

func TestDeleteRunThenGone(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	rr := env.do(t, http.MethodDelete, "/v1/runs/a1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeBody(t, rr)["deleted"])

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/runs/a1", nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/runs/a1", nil).Code)
}

func TestGetPredictionColdStart(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	rr := env.do(t, http.MethodGet, "/v1/runs/a1/prediction", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	pred, ok := body["prediction"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 0.3, pred["confidence"])
	require.NotEmpty(t, pred["predicted_completion"])
	require.NotContains(t, pred, "estimated_total_seconds")
}

func TestGetPredictionGainsConfidence(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "Demo", "offline")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/runs/a1/prediction", nil).Code)

	env.clock.Advance(time.Second)
	env.store.Ingest("a1", "Step 1: create_text_file")

	rr := env.do(t, http.MethodGet, "/v1/runs/a1/prediction", nil)
	body := decodeBody(t, rr)
	pred := body["prediction"].(map[string]any)
	require.Greater(t, pred["confidence"].(float64), 0.3)
	require.Contains(t, pred, "estimated_total_seconds")
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	_, err := env.store.Create("a1", "First", "offline")
	require.NoError(t, err)
	_, err = env.store.Create("a2", "Second", "offline")
	require.NoError(t, err)
	env.store.MarkError("a2", "boom")

	rr := env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	counts, ok := decodeBody(t, rr)["counts"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), counts["running"])
	require.Equal(t, float64(1), counts["error"])
	require.Equal(t, float64(0), counts["completed"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	env := newTestEnv(t, cfg)

	rr := env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	rr = env.do(t, http.MethodGet, "/v1/stats?api_key=sekrit", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rr := env.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}
