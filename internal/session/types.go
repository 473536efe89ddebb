package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/relay-ai/orchestrator/internal/agentrt"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a session has expired
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidSession is returned when session data is invalid
	ErrInvalidSession = errors.New("invalid session")
)

// Session represents a chat session spanning one or more workflow runs.
type Session struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	ProjectID string                 `json:"project_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	History   []Message              `json:"history,omitempty"`
}

// Message represents a single turn in the session history.
type Message struct {
	ID        string                 `json:"id"`
	Role      string                 `json:"role"` // user, assistant, system
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// GetContextValue retrieves a value from session context
func (s *Session) GetContextValue(key string) (interface{}, bool) {
	if s.Context == nil {
		return nil, false
	}
	val, ok := s.Context[key]
	return val, ok
}

// SetContextValue sets a value in session context
func (s *Session) SetContextValue(key string, value interface{}) {
	if s.Context == nil {
		s.Context = make(map[string]interface{})
	}
	s.Context[key] = value
}

// GetRecentHistory returns the most recent N messages
func (s *Session) GetRecentHistory(n int) []Message {
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// RuntimeHistory converts the most recent N messages into the shape the
// agent runtime consumes when resuming a conversation.
func (s *Session) RuntimeHistory(n int) []agentrt.Message {
	recent := s.GetRecentHistory(n)
	out := make([]agentrt.Message, 0, len(recent))
	for _, msg := range recent {
		out = append(out, agentrt.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// GetHistorySummary returns a one-line summary of the conversation so far.
func (s *Session) GetHistorySummary() string {
	if len(s.History) == 0 {
		return "No conversation history"
	}
	return fmt.Sprintf("%d messages since %s", len(s.History), s.CreatedAt.Format(time.RFC3339))
}
