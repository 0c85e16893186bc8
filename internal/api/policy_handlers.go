package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/technosupport/esimd/internal/onc"
	"github.com/technosupport/esimd/internal/policy"
)

const maxPolicyBody = 64 << 10

type PolicyHandler struct {
	Policy *policy.Handler
}

type PolicyResponse struct {
	RequestID string `json:"request_id"`
}

// POST /api/v1/policy/cellular queues an install for one ONC cellular network.
func (h *PolicyHandler) Install(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	network, err := onc.Parse(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.Policy.InstallESim(network)
	if errors.Is(err, policy.ErrShutdown) {
		respondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, PolicyResponse{RequestID: id})
}

// GET /api/v1/policy/requests
func (h *PolicyHandler) Requests(w http.ResponseWriter, r *http.Request) {
	reqs := h.Policy.PendingRequests()
	if reqs == nil {
		reqs = []policy.RequestInfo{}
	}
	respondJSON(w, http.StatusOK, reqs)
}
