package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rectangular-labs/workspacesync/internal/room"
)

const (
	tokenAudience = "workspacesync"

	ScopeRead  = "fs:read"
	ScopeWrite = "fs:write"
	ScopeSync  = "sync"
	ScopeAdmin = "admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims is the bearer token payload. Tenant and Workspace bound the rooms
// a token may touch; an empty Workspace grants every workspace of the
// tenant.
type Claims struct {
	Tenant    string   `json:"tenant_id"`
	Workspace string   `json:"workspace_id,omitempty"`
	AgentName string   `json:"agent_name"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

func (c *Claims) allows(key room.Key) bool {
	if c.HasScope(ScopeAdmin) {
		return true
	}
	if c.Tenant != key.Tenant {
		return false
	}
	return c.Workspace == "" || c.Workspace == key.Workspace
}

// IssueToken signs claims with HS256, filling in the audience.
func IssueToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Audience = jwt.ClaimStrings{tokenAudience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if claims.Subject == "" {
		claims.Subject = claims.AgentName
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString([]byte(secret))
}

func authorizeBearer(raw, secret string, key *room.Key, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, authErr := parseBearer(raw, secret, now)
	if authErr != nil {
		return nil, authErr
	}
	if key != nil && !claims.allows(*key) {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "workspace mismatch"}
	}
	if requiredScope != "" && !claims.HasScope(requiredScope) && !claims.HasScope(ScopeAdmin) {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

func parseBearer(raw, secret string, now time.Time) (*Claims, *authError) {
	if raw == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	case err != nil:
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	if claims.Tenant == "" && !claims.HasScope(ScopeAdmin) {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing tenant_id claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter that browser websocket clients use.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type claimsKey struct{}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}
