package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/auth"
	"github.com/relay-ai/orchestrator/internal/streaming"
)

// streamHandler wraps the handler routes with the dev-mode middleware,
// which injects a user context carrying every scope.
func streamHandler(h *StreamingHandler) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return auth.NewMiddleware(nil, true).HTTPMiddleware(mux)
}

func publishThree(mgr *streaming.Manager, workflowID string) {
	for _, msg := range []string{"first", "second", "third"} {
		mgr.Publish(workflowID, streaming.Event{
			WorkflowID: workflowID,
			Type:       "tool_call",
			Message:    msg,
			Timestamp:  time.Now(),
		})
	}
}

func TestSSEReplaysBacklog(t *testing.T) {
	mgr := streaming.NewManager(16)
	h := NewStreamingHandler(mgr, 8, zap.NewNop())
	publishThree(mgr, "wf-sse")

	// A pre-cancelled context makes the handler return right after the
	// replay phase instead of blocking on live events.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?workflow_id=wf-sse&last_event_id=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	streamHandler(h).ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, ": connected to workflow wf-sse")
	assert.NotContains(t, body, "first", "events at or before the cursor are not replayed")
	assert.Contains(t, body, "second")
	assert.Contains(t, body, "third")
	assert.Contains(t, body, "id: 2")
	assert.Contains(t, body, "id: 3")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestSSERequiresWorkflowID(t *testing.T) {
	h := NewStreamingHandler(streaming.NewManager(16), 8, zap.NewNop())
	rec := httptest.NewRecorder()
	streamHandler(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSETypeFilter(t *testing.T) {
	mgr := streaming.NewManager(16)
	h := NewStreamingHandler(mgr, 8, zap.NewNop())
	mgr.Publish("wf-f", streaming.Event{WorkflowID: "wf-f", Type: "thinking", Message: "warming up"})
	mgr.Publish("wf-f", streaming.Event{WorkflowID: "wf-f", Type: "error", Message: "boom"})
	mgr.Publish("wf-f", streaming.Event{WorkflowID: "wf-f", Type: "thinking", Message: "hmm"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?workflow_id=wf-f&last_event_id=1&types=error", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	streamHandler(h).ServeHTTP(rec, req)
	body := rec.Body.String()
	assert.Contains(t, body, "boom")
	assert.NotContains(t, body, "hmm")
}

func TestWebSocketReplayAndLive(t *testing.T) {
	mgr := streaming.NewManager(16)
	h := NewStreamingHandler(mgr, 8, zap.NewNop())
	publishThree(mgr, "wf-ws")

	srv := httptest.NewServer(streamHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?workflow_id=wf-ws&last_event_id=2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev streaming.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, uint64(3), ev.Seq)
	assert.Equal(t, "third", ev.Message)

	// A live event published after connect is delivered too.
	mgr.Publish("wf-ws", streaming.Event{WorkflowID: "wf-ws", Type: "observation", Message: "live"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "live", ev.Message)
	assert.Equal(t, uint64(4), ev.Seq)
}
