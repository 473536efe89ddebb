package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/auth"
	"github.com/relay-ai/orchestrator/internal/db"
	"github.com/relay-ai/orchestrator/internal/service"
	"github.com/relay-ai/orchestrator/internal/session"
)

// historyWindow is how many prior session messages are handed to the
// runtime on a follow-up request.
const historyWindow = 20

// WorkflowsHandler exposes the workflow lifecycle API: start, cancel,
// status. sessions and store may be nil; the corresponding features
// (conversation history, status lookups on finished runs) degrade.
type WorkflowsHandler struct {
	orch     *service.Orchestrator
	sessions *session.Manager
	store    *db.Client
	logger   *zap.Logger
}

func NewWorkflowsHandler(orch *service.Orchestrator, sessions *session.Manager, store *db.Client, logger *zap.Logger) *WorkflowsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowsHandler{orch: orch, sessions: sessions, store: store, logger: logger}
}

// RegisterRoutes registers workflow routes on the provided mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.handleStart)
	mux.HandleFunc("/api/v1/workflows/cancel", h.handleCancel)
	mux.HandleFunc("/api/v1/workflows/cancel-project", h.handleCancelProject)
	mux.HandleFunc("/api/v1/workflows/cancel-all", h.handleCancelAll)
	mux.HandleFunc("/api/v1/workflows/status", h.handleStatus)
}

type startRequest struct {
	Task      string `json:"task"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// handleStart dispatches a workflow and returns its id immediately.
// POST /api/v1/workflows
func (h *WorkflowsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if err := auth.RequireScopes(r.Context(), auth.ScopeWorkflowsWrite); err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID := uc.UserID.String()

	history := h.sessionHistory(r.Context(), req.SessionID, userID, req.ProjectID)

	workflowID, err := h.orch.StartWorkflow(r.Context(), service.StartRequest{
		Task:      req.Task,
		UserID:    userID,
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		Mode:      req.Mode,
		History:   history,
	})
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	if h.sessions != nil && req.SessionID != "" {
		go h.recordConversation(workflowID, req.SessionID, req.Task)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": workflowID,
		"status":      "started",
	})
}

func (h *WorkflowsHandler) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyTask):
		http.Error(w, `{"error":"task must not be empty"}`, http.StatusBadRequest)
	case errors.Is(err, service.ErrRateLimited):
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
	case errors.Is(err, service.ErrBusy):
		http.Error(w, `{"error":"all workflow slots busy"}`, http.StatusServiceUnavailable)
	default:
		h.logger.Error("Workflow start failed", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// sessionHistory loads the recent conversation for a session, creating
// the session on first use. Best-effort: a Redis outage degrades to an
// empty history rather than failing the start.
func (h *WorkflowsHandler) sessionHistory(ctx context.Context, sessionID, userID, projectID string) []agentrt.Message {
	if h.sessions == nil || sessionID == "" {
		return nil
	}
	sess, err := h.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
		sess, err = h.sessions.CreateSessionWithID(ctx, sessionID, userID, projectID, nil)
	}
	if err != nil {
		h.logger.Warn("Session lookup failed, continuing without history",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil
	}
	return sess.RuntimeHistory(historyWindow)
}

// recordConversation appends the user turn immediately and the assistant
// turn once the workflow finishes.
func (h *WorkflowsHandler) recordConversation(workflowID, sessionID, task string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := h.sessions.AddMessage(ctx, sessionID, session.Message{Role: "user", Content: task}); err != nil {
		h.logger.Warn("Failed to record user message",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	result, err := h.orch.Wait(ctx, workflowID)
	if err != nil || result == nil || result.Output == "" {
		return
	}
	if err := h.sessions.AddMessage(ctx, sessionID, session.Message{Role: "assistant", Content: result.Output}); err != nil {
		h.logger.Warn("Failed to record assistant message",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

type cancelRequest struct {
	WorkflowID string `json:"workflow_id"`
	ProjectID  string `json:"project_id"`
}

// handleCancel marks one workflow cancelled. Idempotent: repeated cancels
// and cancels of finished workflows report cancelled=false.
// POST /api/v1/workflows/cancel
func (h *WorkflowsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCancel(w, r, auth.ScopeWorkflowsWrite)
	if !ok {
		return
	}
	if req.WorkflowID == "" {
		http.Error(w, `{"error":"workflow_id required"}`, http.StatusBadRequest)
		return
	}
	cancelled := h.orch.CancelWorkflow(req.WorkflowID)
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": req.WorkflowID,
		"cancelled":   cancelled,
	})
}

// handleCancelProject cancels every active workflow in a project.
// POST /api/v1/workflows/cancel-project
func (h *WorkflowsHandler) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCancel(w, r, auth.ScopeWorkflowsAdmin)
	if !ok {
		return
	}
	if req.ProjectID == "" {
		http.Error(w, `{"error":"project_id required"}`, http.StatusBadRequest)
		return
	}
	n := h.orch.CancelProject(req.ProjectID)
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": req.ProjectID,
		"cancelled":  n,
	})
}

// handleCancelAll cancels every active workflow.
// POST /api/v1/workflows/cancel-all
func (h *WorkflowsHandler) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.decodeCancel(w, r, auth.ScopeWorkflowsAdmin); !ok {
		return
	}
	n := h.orch.CancelAll()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

// decodeCancel handles the shared method/auth/body plumbing of the cancel
// endpoints. A missing body is treated as empty (cancel-all sends none).
func (h *WorkflowsHandler) decodeCancel(w http.ResponseWriter, r *http.Request, scope string) (cancelRequest, bool) {
	var req cancelRequest
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return req, false
	}
	if err := auth.RequireScopes(r.Context(), scope); err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return req, false
	}
	// Tolerate an empty body (cancel-all sends none); reject bad JSON.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// handleStatus reports whether a workflow is in flight and, once the run
// record lands, its persisted outcome.
// GET /api/v1/workflows/status?workflow_id=<id>
func (h *WorkflowsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if err := auth.RequireScopes(r.Context(), auth.ScopeWorkflowsRead); err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, `{"error":"workflow_id required"}`, http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"workflow_id": workflowID,
		"active":      h.orch.IsActive(workflowID),
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		run, err := h.store.GetWorkflowRun(ctx, workflowID)
		if err != nil {
			h.logger.Warn("Run lookup failed", zap.String("workflow_id", workflowID), zap.Error(err))
		} else if run != nil {
			resp["status"] = run.Status
			resp["mode"] = run.Mode
			resp["started_at"] = run.StartedAt
			if run.CompletedAt != nil {
				resp["completed_at"] = run.CompletedAt
			}
			if run.Result != nil {
				resp["result"] = *run.Result
			}
			if run.DurationMs != nil {
				resp["duration_ms"] = *run.DurationMs
			}
			resp["steps_saved"] = run.StepsSaved
		} else if !h.orch.IsActive(workflowID) {
			http.Error(w, `{"error":"workflow not found"}`, http.StatusNotFound)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
