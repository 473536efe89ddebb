package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/auth"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/executor"
	"github.com/relay-ai/orchestrator/internal/service"
	"github.com/relay-ai/orchestrator/internal/streaming"
	"github.com/relay-ai/orchestrator/internal/tracker"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// blockingRuntime holds the workflow open until released, so cancel
// behavior can be observed against an in-flight run.
type blockingRuntime struct {
	started chan string
	release chan struct{}
}

func newBlockingRuntime() *blockingRuntime {
	return &blockingRuntime{started: make(chan string, 8), release: make(chan struct{})}
}

func (r *blockingRuntime) Run(task string, _ []agentrt.ToolHandle, _ []agentrt.Message) (*agentrt.RunResult, error) {
	r.started <- task
	<-r.release
	return &agentrt.RunResult{Output: "done: " + task, Success: true}, nil
}

func noTools(_ *tracker.Tracker, _ *workflowctx.Context) []agentrt.ToolHandle { return nil }

// newAPIServer builds the workflow API behind the dev-mode auth
// middleware, which grants every scope.
func newAPIServer(t *testing.T, rt agentrt.Runtime) (*httptest.Server, *service.Orchestrator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	queue := events.NewQueue(64, logger)
	stream := streaming.NewManager(64)
	registry := workflowctx.NewCancelRegistry()
	exec := executor.New(queue, stream, nil, registry, executor.Config{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  20 * time.Millisecond,
	}, logger)
	orch := service.NewOrchestrator(exec, executor.NewPool(4), registry, rt, noTools, nil, nil, logger)

	h := NewWorkflowsHandler(orch, nil, nil, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mw := auth.NewMiddleware(nil, true)
	srv := httptest.NewServer(mw.HTTPMiddleware(mux))
	t.Cleanup(srv.Close)
	return srv, orch
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStartWorkflowAccepted(t *testing.T) {
	rt := newBlockingRuntime()
	srv, _ := newAPIServer(t, rt)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"task": "summarize the report"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["workflow_id"])
	assert.Equal(t, "started", body["status"])

	<-rt.started
	close(rt.release)
}

func TestStartWorkflowEmptyTask(t *testing.T) {
	srv, _ := newAPIServer(t, newBlockingRuntime())

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"task": "   "})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartWorkflowRejectsGet(t *testing.T) {
	srv, _ := newAPIServer(t, newBlockingRuntime())

	resp, err := http.Get(srv.URL + "/api/v1/workflows")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCancelWorkflowIdempotent(t *testing.T) {
	rt := newBlockingRuntime()
	srv, orch := newAPIServer(t, rt)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"task": "long job"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["workflow_id"].(string)
	<-rt.started

	resp = postJSON(t, srv.URL+"/api/v1/workflows/cancel", map[string]any{"workflow_id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["cancelled"])

	// Second cancel of the same workflow is a no-op.
	resp = postJSON(t, srv.URL+"/api/v1/workflows/cancel", map[string]any{"workflow_id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["cancelled"])

	close(rt.release)
	waitDone(t, orch, id)
}

func TestCancelUnknownWorkflow(t *testing.T) {
	srv, _ := newAPIServer(t, newBlockingRuntime())

	resp := postJSON(t, srv.URL+"/api/v1/workflows/cancel", map[string]any{"workflow_id": "nope"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["cancelled"])
}

func TestCancelRequiresWorkflowID(t *testing.T) {
	srv, _ := newAPIServer(t, newBlockingRuntime())

	resp := postJSON(t, srv.URL+"/api/v1/workflows/cancel", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelAllEmptyBody(t *testing.T) {
	rt := newBlockingRuntime()
	srv, orch := newAPIServer(t, rt)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"task": "job one"})
	id := decodeBody(t, resp)["workflow_id"].(string)
	<-rt.started

	resp = postJSON(t, srv.URL+"/api/v1/workflows/cancel-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decodeBody(t, resp)["cancelled"])

	close(rt.release)
	waitDone(t, orch, id)
}

func TestStatusActiveWorkflow(t *testing.T) {
	rt := newBlockingRuntime()
	srv, orch := newAPIServer(t, rt)

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"task": "status check"})
	id := decodeBody(t, resp)["workflow_id"].(string)
	<-rt.started

	resp, err := http.Get(srv.URL + "/api/v1/workflows/status?workflow_id=" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, id, body["workflow_id"])
	assert.Equal(t, true, body["active"])

	close(rt.release)
	waitDone(t, orch, id)
}

func TestStatusUnknownWithoutStore(t *testing.T) {
	srv, _ := newAPIServer(t, newBlockingRuntime())

	// With no run store wired, status degrades to the in-flight flag.
	resp, err := http.Get(srv.URL + "/api/v1/workflows/status?workflow_id=ghost")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["active"])
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	logger := zaptest.NewLogger(t)
	queue := events.NewQueue(64, logger)
	stream := streaming.NewManager(64)
	registry := workflowctx.NewCancelRegistry()
	exec := executor.New(queue, stream, nil, registry, executor.Config{}, logger)
	orch := service.NewOrchestrator(exec, executor.NewPool(1), registry, newBlockingRuntime(), noTools, nil, nil, logger)

	h := NewWorkflowsHandler(orch, nil, nil, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	jwt := auth.NewJWTManager("test-secret", time.Minute)
	srv := httptest.NewServer(auth.NewMiddleware(jwt, false).HTTPMiddleware(mux))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/workflows", map[string]any{"task": "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func waitDone(t *testing.T, orch *service.Orchestrator, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for orch.IsActive(id) {
		if time.Now().After(deadline) {
			t.Fatalf("workflow %s still active", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
