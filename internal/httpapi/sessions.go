package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/auth"
	"github.com/relay-ai/orchestrator/internal/session"
)

// SessionsHandler exposes read access to chat sessions. Users only see
// their own sessions; admin scope is not honored here on purpose.
type SessionsHandler struct {
	sessions *session.Manager
	logger   *zap.Logger
}

func NewSessionsHandler(sessions *session.Manager, logger *zap.Logger) *SessionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionsHandler{sessions: sessions, logger: logger}
}

// RegisterRoutes registers session routes on the provided mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/sessions/history", h.handleHistory)
	mux.HandleFunc("/api/v1/sessions", h.handleList)
}

// handleHistory returns the recent messages of one session.
// GET /api/v1/sessions/history?session_id=<id>[&limit=N]
func (h *SessionsHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.authorize(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	sess, err := h.sessions.GetSession(r.Context(), sessionID)
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if sess.UserID != uc.UserID.String() {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   sess.GetRecentHistory(limit),
	})
}

// handleList returns the caller's sessions.
// GET /api/v1/sessions
func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	uc, ok := h.authorize(w, r)
	if !ok {
		return
	}
	sessions, err := h.sessions.GetUserSessions(r.Context(), uc.UserID.String())
	if err != nil {
		h.logger.Error("Session list failed", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"session_id": s.ID,
			"project_id": s.ProjectID,
			"created_at": s.CreatedAt,
			"updated_at": s.UpdatedAt,
			"messages":   len(s.History),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *SessionsHandler) authorize(w http.ResponseWriter, r *http.Request) (*auth.UserContext, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return nil, false
	}
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	if err := auth.RequireScopes(r.Context(), auth.ScopeSessionsRead); err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return nil, false
	}
	return uc, true
}
