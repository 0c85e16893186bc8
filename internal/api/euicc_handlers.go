package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/data"
	"github.com/technosupport/esimd/internal/manager"
)

type EuiccHandler struct {
	Manager *manager.Manager
	Log     *zap.Logger
}

type EuiccResponse struct {
	EID          string `json:"eid"`
	Path         string `json:"path"`
	IsActive     bool   `json:"is_active"`
	PhysicalSlot int32  `json:"physical_slot"`
}

type InstallRequest struct {
	ActivationCode   string `json:"activation_code"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
}

type InstallResponse struct {
	Result  manager.InstallResult `json:"result"`
	Profile *data.ESimProfile     `json:"profile,omitempty"`
}

type OperationResponse struct {
	Result   manager.OperationResult `json:"result"`
	Profiles []data.ESimProfile      `json:"profiles,omitempty"`
}

// GET /api/v1/euiccs
func (h *EuiccHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Manager.Euiccs(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to enumerate euiccs")
		return
	}
	out := make([]EuiccResponse, 0, len(list))
	for _, e := range list {
		props, err := e.Properties(r.Context())
		if err != nil {
			h.Log.Warn("failed to read euicc", zap.String("eid", e.EID()), zap.Error(err))
			continue
		}
		out = append(out, EuiccResponse{
			EID:          props.Eid,
			Path:         string(props.Path),
			IsActive:     props.IsActive,
			PhysicalSlot: props.PhysicalSlot,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *EuiccHandler) euicc(w http.ResponseWriter, r *http.Request) (*manager.Euicc, bool) {
	e, err := h.Manager.Euicc(r.Context(), chi.URLParam(r, "eid"))
	if errors.Is(err, manager.ErrEuiccNotFound) {
		respondError(w, http.StatusNotFound, "euicc not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to enumerate euiccs")
		return nil, false
	}
	return e, true
}

// GET /api/v1/euiccs/{eid}/profiles
func (h *EuiccHandler) Profiles(w http.ResponseWriter, r *http.Request) {
	e, ok := h.euicc(w, r)
	if !ok {
		return
	}
	handles, err := e.Profiles(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to list profiles")
		return
	}
	out := make([]data.ESimProfile, 0, len(handles))
	for _, p := range handles {
		info, err := p.Info(r.Context())
		if err != nil {
			h.Log.Warn("failed to read profile", zap.String("iccid", p.ICCID()), zap.Error(err))
			continue
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}

// POST /api/v1/euiccs/{eid}/profiles
func (h *EuiccHandler) Install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.euicc(w, r)
	if !ok {
		return
	}

	result, p := e.InstallProfileFromActivationCode(r.Context(), req.ActivationCode, req.ConfirmationCode)
	resp := InstallResponse{Result: result}
	if p != nil {
		if info, err := p.Info(r.Context()); err == nil {
			resp.Profile = &info
		}
	}
	respondJSON(w, installStatus(result), resp)
}

func installStatus(r manager.InstallResult) int {
	switch r {
	case manager.InstallSuccess:
		return http.StatusCreated
	case manager.InstallAlreadyInstalling:
		return http.StatusConflict
	case manager.InstallNeedsConfirmationCode, manager.InstallInvalidActivationCode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func operationStatus(r manager.OperationResult) int {
	if r == manager.OperationSuccess {
		return http.StatusOK
	}
	return http.StatusConflict
}

// POST /api/v1/euiccs/{eid}/refresh
func (h *EuiccHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	e, ok := h.euicc(w, r)
	if !ok {
		return
	}
	res := e.RefreshInstalledProfiles(r.Context())
	respondJSON(w, operationStatus(res), OperationResponse{Result: res})
}

// POST /api/v1/euiccs/{eid}/available
func (h *EuiccHandler) Available(w http.ResponseWriter, r *http.Request) {
	e, ok := h.euicc(w, r)
	if !ok {
		return
	}
	res, found := e.RequestAvailableProfiles(r.Context())
	respondJSON(w, operationStatus(res), OperationResponse{Result: res, Profiles: found})
}

// POST /api/v1/euiccs/{eid}/pending
func (h *EuiccHandler) RequestPending(w http.ResponseWriter, r *http.Request) {
	e, ok := h.euicc(w, r)
	if !ok {
		return
	}
	res := e.RequestPendingProfiles(r.Context())
	respondJSON(w, operationStatus(res), OperationResponse{Result: res})
}
