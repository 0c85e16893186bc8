package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/technosupport/esimd/internal/audit"
)

type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Event, int64, error)
}

type AuditHandler struct {
	Audit AuditQuerier
}

type AuditPage struct {
	Events     []audit.Event `json:"events"`
	NextCursor int64         `json:"next_cursor,omitempty"`
}

// Query lists audit events newest first. Query parameters: actor, result,
// limit, cursor.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Actor: q.Get("actor"), Result: q.Get("result")}
	var err error
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("cursor"); v != "" {
		if f.Cursor, err = strconv.ParseInt(v, 10, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
	}

	events, next, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, AuditPage{Events: events, NextCursor: next})
}
