package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/esim"
	"github.com/technosupport/esimd/internal/manager"
)

type ProfileHandler struct {
	Manager *manager.Manager
	Cache   *esim.ProfileHandler
}

type NicknameRequest struct {
	Nickname string `json:"nickname"`
}

type ConfirmationRequest struct {
	ConfirmationCode string `json:"confirmation_code"`
}

// GET /api/v1/profiles returns the persisted profile cache.
func (h *ProfileHandler) Cached(w http.ResponseWriter, r *http.Request) {
	profiles := h.Cache.Profiles()
	if profiles == nil {
		profiles = []data.ESimProfile{}
	}
	respondJSON(w, http.StatusOK, profiles)
}

func (h *ProfileHandler) profile(w http.ResponseWriter, r *http.Request) (*manager.ESimProfile, bool) {
	p, err := h.Manager.ProfileByICCID(r.Context(), chi.URLParam(r, "iccid"))
	if errors.Is(err, manager.ErrProfileNotFound) {
		respondError(w, http.StatusNotFound, "profile not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to enumerate profiles")
		return nil, false
	}
	return p, true
}

func (h *ProfileHandler) operate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, p *manager.ESimProfile) manager.OperationResult) {
	p, ok := h.profile(w, r)
	if !ok {
		return
	}
	res := op(r.Context(), p)
	respondJSON(w, operationStatus(res), OperationResponse{Result: res})
}

// POST /api/v1/profiles/{iccid}/enable
func (h *ProfileHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(ctx context.Context, p *manager.ESimProfile) manager.OperationResult {
		return p.Enable(ctx)
	})
}

// POST /api/v1/profiles/{iccid}/disable
func (h *ProfileHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(ctx context.Context, p *manager.ESimProfile) manager.OperationResult {
		return p.Disable(ctx)
	})
}

// POST /api/v1/profiles/{iccid}/uninstall
func (h *ProfileHandler) Uninstall(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, func(ctx context.Context, p *manager.ESimProfile) manager.OperationResult {
		return p.Uninstall(ctx)
	})
}

// POST /api/v1/profiles/{iccid}/install
func (h *ProfileHandler) InstallPending(w http.ResponseWriter, r *http.Request) {
	var req ConfirmationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	h.operate(w, r, func(ctx context.Context, p *manager.ESimProfile) manager.OperationResult {
		return p.InstallProfile(ctx, req.ConfirmationCode)
	})
}

// PUT /api/v1/profiles/{iccid}/nickname
func (h *ProfileHandler) SetNickname(w http.ResponseWriter, r *http.Request) {
	var req NicknameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.operate(w, r, func(ctx context.Context, p *manager.ESimProfile) manager.OperationResult {
		return p.SetNickname(ctx, req.Nickname)
	})
}
