package auth

import (
	"github.com/google/uuid"
)

// UserContext represents the authenticated context for a request
type UserContext struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	TokenType string    `json:"token_type"`
}

// HasScope reports whether the context carries the given scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Scopes for authorization
const (
	ScopeWorkflowsRead  = "workflows:read"
	ScopeWorkflowsWrite = "workflows:write"
	ScopeWorkflowsAdmin = "workflows:admin" // project-wide and global cancellation
	ScopeSessionsRead   = "sessions:read"
	ScopeSessionsWrite  = "sessions:write"
	ScopeStreamRead     = "stream:read"
)

// User roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)
