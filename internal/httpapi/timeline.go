package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/auth"
	"github.com/relay-ai/orchestrator/internal/db"
)

// TimelineHandler serves the persisted trace of a run: the contiguous
// step list written at workflow end, and the raw event log behind it.
type TimelineHandler struct {
	store  *db.Client
	logger *zap.Logger
}

func NewTimelineHandler(store *db.Client, logger *zap.Logger) *TimelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineHandler{store: store, logger: logger}
}

// RegisterRoutes registers timeline routes on the provided mux.
func (h *TimelineHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows/timeline", h.handleTimeline)
	mux.HandleFunc("/api/v1/workflows/events", h.handleEventLog)
}

type timelineStep struct {
	StepIndex   int                    `json:"step_index"`
	StepNumber  int                    `json:"step_number"`
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Status      string                 `json:"status"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolResult  string                 `json:"tool_result,omitempty"`
	AgentName   string                 `json:"agent_name,omitempty"`
	AgentTask   string                 `json:"agent_task,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// handleTimeline returns the run record with its ordered step list.
// GET /api/v1/workflows/timeline?workflow_id=<id>
func (h *TimelineHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := h.readQuery(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	run, err := h.store.GetWorkflowRun(ctx, workflowID)
	if err != nil {
		h.logger.Error("Timeline run lookup failed", zap.String("workflow_id", workflowID), zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, `{"error":"workflow not found"}`, http.StatusNotFound)
		return
	}

	steps, err := h.store.ListWorkflowSteps(ctx, workflowID)
	if err != nil {
		h.logger.Error("Timeline step lookup failed", zap.String("workflow_id", workflowID), zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	out := make([]timelineStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, timelineStep{
			StepIndex:   s.StepIndex,
			StepNumber:  s.StepNumber,
			Type:        s.Type,
			Title:       s.Title,
			Description: s.Description,
			Status:      s.Status,
			ToolName:    s.ToolName,
			ToolResult:  s.ToolResult,
			AgentName:   s.AgentName,
			AgentTask:   s.AgentTask,
			Metadata:    s.Metadata,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}

	resp := map[string]any{
		"workflow_id": workflowID,
		"status":      run.Status,
		"query":       run.Query,
		"mode":        run.Mode,
		"started_at":  run.StartedAt,
		"steps":       out,
	}
	if run.CompletedAt != nil {
		resp["completed_at"] = run.CompletedAt
	}
	if run.Result != nil {
		resp["result"] = *run.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEventLog returns the persisted broadcast events for a workflow,
// oldest first, for catch-up and debugging.
// GET /api/v1/workflows/events?workflow_id=<id>[&limit=N]
func (h *TimelineHandler) handleEventLog(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := h.readQuery(w, r)
	if !ok {
		return
	}
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	logs, err := h.store.ListEventLogs(ctx, workflowID, limit)
	if err != nil {
		h.logger.Error("Event log lookup failed", zap.String("workflow_id", workflowID), zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"count":       len(logs),
		"events":      logs,
	})
}

func (h *TimelineHandler) readQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return "", false
	}
	if err := auth.RequireScopes(r.Context(), auth.ScopeWorkflowsRead); err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return "", false
	}
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, `{"error":"workflow_id required"}`, http.StatusBadRequest)
		return "", false
	}
	return workflowID, true
}
