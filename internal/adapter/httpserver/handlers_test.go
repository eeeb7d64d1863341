package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/openclaw/internal/adapter/httpserver"
	"github.com/fairyhunter13/openclaw/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/openclaw/internal/app"
	"github.com/fairyhunter13/openclaw/internal/config"
)

const (
	testBotToken    = "test-bot-token"
	testWorkerToken = "test-worker-token"
)

func newTestBroker(t *testing.T) (http.Handler, *sqlite.JobRepo) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewJobRepo(db)
	cfg := config.Config{
		AppEnv:           "test",
		BotToken:         testBotToken,
		WorkerToken:      testWorkerToken,
		LeaseSeconds:     60,
		RateLimitPerMin:  1000,
		CORSAllowOrigins: "*",
	}
	return app.BuildRouter(cfg, httpserver.NewServer(cfg, repo)), repo
}

func doJSON(t *testing.T, h http.Handler, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func botHeaders() map[string]string {
	return map[string]string{"X-Bot-Token": testBotToken}
}

func workerHeaders(id string) map[string]string {
	return map[string]string{"X-Worker-Token": testWorkerToken, "X-Worker-Id": id}
}

func createJob(t *testing.T, h http.Handler, command, payload string, requires any) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/jobs", botHeaders(),
		map[string]any{"command": command, "payload": payload, "requires": requires})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode(t, rec)
	require.Equal(t, "queued", m["status"])
	return m["id"].(string)
}

func TestHealthNoAuth(t *testing.T) {
	h, _ := newTestBroker(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, true, m["ok"])
}

func TestAuthMatrix(t *testing.T) {
	h, _ := newTestBroker(t)

	rec := doJSON(t, h, http.MethodPost, "/jobs", nil, map[string]any{"command": "ping", "payload": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/jobs", map[string]string{"X-Bot-Token": "wrong"}, map[string]any{"command": "ping", "payload": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/jobs/next", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/jobs/next", map[string]string{"X-Worker-Token": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingConfiguredTokenIs500(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cfg := config.Config{AppEnv: "test", RateLimitPerMin: 1000}
	h := app.BuildRouter(cfg, httpserver.NewServer(cfg, sqlite.NewJobRepo(db)))

	rec := doJSON(t, h, http.MethodPost, "/jobs", botHeaders(), map[string]any{"command": "ping"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/jobs/next", workerHeaders("w1"), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCreateRequiresCommand(t *testing.T) {
	h, _ := newTestBroker(t)
	rec := doJSON(t, h, http.MethodPost, "/jobs", botHeaders(), map[string]any{"payload": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownJob404(t *testing.T) {
	h, _ := newTestBroker(t)
	rec := doJSON(t, h, http.MethodGet, "/jobs/does-not-exist", botHeaders(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPingRoundTrip(t *testing.T) {
	h, _ := newTestBroker(t)
	id := createJob(t, h, "ping", "hello", nil)

	rec := doJSON(t, h, http.MethodGet, "/jobs/next", workerHeaders("w1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)["job"].(map[string]any)
	assert.Equal(t, id, job["id"])
	assert.Equal(t, "running", job["status"])
	assert.Equal(t, "ping", job["command"])
	assert.Equal(t, "hello", job["payload"])
	assert.NotNil(t, job["started_at"])
	assert.NotNil(t, job["lease_until"])
	assert.Equal(t, "w1", job["worker_id"])
	assert.Nil(t, job["result"])
	assert.Nil(t, job["finished_at"])

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+id+"/result", workerHeaders("w1"), map[string]any{"result": "pong: hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "done", m["status"])

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+id, botHeaders(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "done", got["status"])
	assert.Equal(t, "pong: hello", got["result"])
	assert.Nil(t, got["lease_until"])
}

func TestClaimEmptyQueueReturnsNullJob(t *testing.T) {
	h, _ := newTestBroker(t)
	rec := doJSON(t, h, http.MethodGet, "/jobs/next", workerHeaders("w1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	v, present := m["job"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestLeaseExpiryRequeue(t *testing.T) {
	h, repo := newTestBroker(t)
	id := createJob(t, h, "ping", "x", nil)

	rec := doJSON(t, h, http.MethodGet, "/jobs/next", workerHeaders("A"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, decode(t, rec)["job"])

	require.NoError(t, repo.SetLease(t.Context(), id, 0))

	rec = doJSON(t, h, http.MethodGet, "/jobs/next", workerHeaders("B"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)["job"].(map[string]any)
	assert.Equal(t, id, job["id"])
	assert.Equal(t, "B", job["worker_id"])
}

func TestIdempotentTerminal(t *testing.T) {
	h, _ := newTestBroker(t)
	id := createJob(t, h, "ping", "x", nil)
	doJSON(t, h, http.MethodGet, "/jobs/next", workerHeaders("w1"), nil)

	rec1 := doJSON(t, h, http.MethodPost, "/jobs/"+id+"/result", workerHeaders("w1"), map[string]any{"result": "r"})
	require.Equal(t, http.StatusOK, rec1.Code)
	rec2 := doJSON(t, h, http.MethodPost, "/jobs/"+id+"/result", workerHeaders("w1"), map[string]any{"result": "r"})
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, decode(t, rec1), decode(t, rec2))

	getRec1 := doJSON(t, h, http.MethodGet, "/jobs/"+id, botHeaders(), nil)
	rec3 := doJSON(t, h, http.MethodPost, "/jobs/"+id+"/fail", workerHeaders("w1"), map[string]any{"error": "late"})
	require.Equal(t, http.StatusOK, rec3.Code)
	m := decode(t, rec3)
	assert.Equal(t, "done", m["status"])
	assert.Contains(t, m["note"], "already done")
	getRec2 := doJSON(t, h, http.MethodGet, "/jobs/"+id, botHeaders(), nil)
	assert.Equal(t, getRec1.Body.String(), getRec2.Body.String())
}

func TestResultOnQueuedIs400(t *testing.T) {
	h, _ := newTestBroker(t)
	id := createJob(t, h, "ping", "x", nil)
	rec := doJSON(t, h, http.MethodPost, "/jobs/"+id+"/result", workerHeaders("w1"), map[string]any{"result": "r"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminalOnUnknownJobIs404(t *testing.T) {
	h, _ := newTestBroker(t)
	rec := doJSON(t, h, http.MethodPost, "/jobs/nope/result", workerHeaders("w1"), map[string]any{"result": "r"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/jobs/nope/fail", workerHeaders("w1"), map[string]any{"error": "e"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCapabilityRouting(t *testing.T) {
	h, _ := newTestBroker(t)
	id := createJob(t, h, "llm_task", `{"prompt":"hi"}`, `{"caps":["llm:vllm"]}`)

	hdr := workerHeaders("w1")
	hdr["X-Worker-Caps"] = "[]"
	rec := doJSON(t, h, http.MethodGet, "/jobs/next", hdr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["job"])

	hdr["X-Worker-Caps"] = `["llm:vllm"]`
	rec = doJSON(t, h, http.MethodGet, "/jobs/next", hdr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)["job"].(map[string]any)
	assert.Equal(t, id, job["id"])
}

func TestCapabilityHeaderCommaList(t *testing.T) {
	h, _ := newTestBroker(t)
	id := createJob(t, h, "repo_status", `{"repo":"r"}`, `{"caps":["repo_tools"]}`)
	hdr := workerHeaders("w1")
	hdr["X-Worker-Caps"] = "repo_tools, llm:vllm"
	rec := doJSON(t, h, http.MethodGet, "/jobs/next", hdr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)["job"].(map[string]any)
	assert.Equal(t, id, job["id"])
}

func TestFailFromQueued(t *testing.T) {
	h, _ := newTestBroker(t)
	id := createJob(t, h, "ping", "x", nil)
	rec := doJSON(t, h, http.MethodPost, "/jobs/"+id+"/fail", workerHeaders("w1"), map[string]any{"error": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decode(t, rec)["status"])

	getRec := doJSON(t, h, http.MethodGet, "/jobs/"+id, botHeaders(), nil)
	got := decode(t, getRec)
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "unknown", got["error"])
}
