package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/technosupport/esimd/internal/auth"
	"github.com/technosupport/esimd/internal/tokens"
)

var ErrTokenRevoked = errors.New("token revoked")

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens  TokenValidator
	revoked auth.Revocations
}

// NewJWTAuth checks revocations when revoked is non-nil.
func NewJWTAuth(t TokenValidator, revoked auth.Revocations) *JWTAuth {
	return &JWTAuth{tokens: t, revoked: revoked}
}

// Authenticate validates token and rejects revoked ones. A revocation lookup
// failure rejects the token.
func (m *JWTAuth) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	claims, err := m.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if m.revoked != nil && claims.ID != "" {
		revoked, err := m.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	ac := &AuthContext{
		Subject: claims.Subject,
		Role:    claims.Role,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		ac.ExpiresAt = claims.ExpiresAt.Time
	}
	return ac, nil
}

// Middleware verifies the bearer token and injects AuthContext.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.Header.Get("Authorization"), " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ac, err := m.Authenticate(r.Context(), parts[1])
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// RequireRole rejects callers whose token does not carry one of roles.
func RequireRole(roles ...tokens.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuthContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if ac.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}
