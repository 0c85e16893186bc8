package middleware

import (
	"context"
	"time"

	"github.com/technosupport/esimd/internal/tokens"
)

type contextKey string

const (
	AuthContextKey contextKey = "auth_context"
	RequestIDKey   contextKey = "request_id"
)

// AuthContext holds the authenticated caller.
type AuthContext struct {
	Subject   string
	Role      tokens.Role
	TokenID   string // jti
	ExpiresAt time.Time
}

func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok
}

func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}

// RequestID returns the id RequestLogger assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
