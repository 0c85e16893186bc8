package api

import (
	"net/http"
	"time"

	"github.com/technosupport/esimd/internal/auth"
	"github.com/technosupport/esimd/internal/middleware"
)

type AuthHandler struct {
	Revocations auth.Revocations
}

// Revoke invalidates the caller's own token for the rest of its lifetime.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if h.Revocations == nil {
		respondError(w, http.StatusNotImplemented, "token revocation is not configured")
		return
	}
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok || ac.TokenID == "" {
		respondError(w, http.StatusBadRequest, "token has no id")
		return
	}
	ttl := time.Until(ac.ExpiresAt)
	if ac.ExpiresAt.IsZero() {
		ttl = 24 * time.Hour
	}
	if err := h.Revocations.Revoke(r.Context(), ac.TokenID, ttl); err != nil {
		respondError(w, http.StatusServiceUnavailable, "revocation store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
