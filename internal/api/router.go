package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/auth"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/manager"
	"github.com/technosupport/esimd/internal/middleware"
	"github.com/technosupport/esimd/internal/policy"
	"github.com/technosupport/esimd/internal/tokens"
)

type Deps struct {
	Manager  *manager.Manager
	Policy   *policy.Handler
	Profiles *esim.ProfileHandler
	Tokens   middleware.TokenValidator
	// Revocations enables token revocation. Optional.
	Revocations auth.Revocations
	// AuditLog records mutating requests and Audit serves them back. Optional.
	AuditLog *middleware.Audit
	Audit    AuditQuerier
	// RateLimit guards the endpoints that start daemon operations. Optional.
	RateLimit *middleware.RateLimit
	Logger    *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	euiccs := &EuiccHandler{Manager: d.Manager, Log: d.Logger.Named("api")}
	profiles := &ProfileHandler{Manager: d.Manager, Cache: d.Profiles}
	policies := &PolicyHandler{Policy: d.Policy}
	jwtAuth := middleware.NewJWTAuth(d.Tokens, d.Revocations)
	feed := NewChangeFeed(d.Manager, jwtAuth, d.Logger)
	sessions := &AuthHandler{Revocations: d.Revocations}

	passthrough := func(next http.Handler) http.Handler { return next }
	limited, audited := passthrough, passthrough
	if d.RateLimit != nil {
		limited = d.RateLimit.Middleware
	}
	if d.AuditLog != nil {
		audited = d.AuditLog.LogRequest
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The change feed authenticates itself so browsers can pass the token as
	// a query parameter.
	r.Get("/api/v1/changes", feed.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Use(audited)
		r.Use(chimiddleware.Timeout(10 * time.Minute))

		r.Post("/auth/revoke", sessions.Revoke)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(tokens.RoleOperator, tokens.RoleAdmin))

			r.Get("/euiccs", euiccs.List)
			r.Get("/euiccs/{eid}/profiles", euiccs.Profiles)
			r.Get("/profiles", profiles.Cached)

			r.Group(func(r chi.Router) {
				r.Use(limited)
				r.Post("/euiccs/{eid}/profiles", euiccs.Install)
				r.Post("/euiccs/{eid}/refresh", euiccs.Refresh)
				r.Post("/euiccs/{eid}/available", euiccs.Available)
				r.Post("/euiccs/{eid}/pending", euiccs.RequestPending)

				r.Post("/profiles/{iccid}/enable", profiles.Enable)
				r.Post("/profiles/{iccid}/disable", profiles.Disable)
				r.Post("/profiles/{iccid}/uninstall", profiles.Uninstall)
				r.Post("/profiles/{iccid}/install", profiles.InstallPending)
				r.Put("/profiles/{iccid}/nickname", profiles.SetNickname)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(tokens.RoleAdmin))
			r.Post("/policy/cellular", policies.Install)
			r.Get("/policy/requests", policies.Requests)
			if d.Audit != nil {
				r.Get("/audit", (&AuditHandler{Audit: d.Audit}).Query)
			}
		})
	})
	return r
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
