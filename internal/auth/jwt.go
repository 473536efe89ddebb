package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "relay-orchestrator"

// JWTManager signs and verifies the HS256 access tokens the HTTP and
// gRPC surfaces accept.
type JWTManager struct {
	key    []byte
	expiry time.Duration
	issuer string
}

func NewJWTManager(signingKey string, accessExpiry time.Duration) *JWTManager {
	return &JWTManager{
		key:    []byte(signingKey),
		expiry: accessExpiry,
		issuer: tokenIssuer,
	}
}

// accessClaims carries the relay identity fields on top of the
// registered claim set.
type accessClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
}

// GenerateAccessToken mints a signed token whose scopes are derived
// from the user's role.
func (j *JWTManager) GenerateAccessToken(userID uuid.UUID, username, role string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
		},
		Username: username,
		Role:     role,
		Scopes:   scopesForRole(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.key)
}

// ValidateAccessToken verifies the signature, expiry, and issuer of a
// token and returns the identity it encodes.
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	if claims.Issuer != j.issuer {
		return nil, fmt.Errorf("token issued by %q, want %q", claims.Issuer, j.issuer)
	}
	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("token subject is not a user id: %w", err)
	}
	return &UserContext{
		UserID:    uid,
		Username:  claims.Username,
		Role:      claims.Role,
		Scopes:    claims.Scopes,
		TokenType: "jwt",
	}, nil
}

func scopesForRole(role string) []string {
	scopes := []string{
		ScopeWorkflowsRead, ScopeWorkflowsWrite,
		ScopeSessionsRead, ScopeSessionsWrite,
		ScopeStreamRead,
	}
	if role == RoleAdmin {
		scopes = append(scopes, ScopeWorkflowsAdmin)
	}
	return scopes
}

// ExtractBearerToken pulls the raw token out of an Authorization
// header value.
func ExtractBearerToken(authHeader string) (string, error) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	return token, nil
}
