// ABOUTME: Model listing, status, health, and admin account management endpoints
// ABOUTME: Shared JSON response helpers for the whole gateway surface

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/warren-gateway/internal/pool"
	"github.com/2389/warren-gateway/internal/store"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do but note it.
		return
	}
}

// writeOpenAIError emits an error body in the OpenAI envelope shape.
func writeOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	created := g.clock().Unix()
	data := make([]modelEntry, 0, len(g.cfg.Models)+1)
	for _, m := range g.cfg.Models {
		data = append(data, modelEntry{ID: m.ID, Object: "model", Created: created, OwnedBy: "warren"})
	}
	if len(data) == 0 {
		data = append(data, modelEntry{ID: defaultModelID, Object: "model", Created: created, OwnedBy: "warren"})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

type capabilityCounts struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	capabilities := make(map[string]capabilityCounts, 3)
	for _, capability := range []string{pool.CapabilityText, pool.CapabilityImage, pool.CapabilityVideo} {
		total, available := g.pool.Counts(capability)
		capabilities[capability] = capabilityCounts{Total: total, Available: available}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":     g.pool.Snapshot(),
		"capabilities": capabilities,
	})
}

func (g *Gateway) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": g.pool.Snapshot()})
}

// createAccountRequest is the admin payload for registering an account.
// Credential cookie values never appear in any response.
type createAccountRequest struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	UserAgent   string `json:"user_agent,omitempty"`
	Credentials struct {
		SecureCSes string `json:"secure_c_ses"`
		HostCOSes  string `json:"host_c_oses"`
		CSesIdx    string `json:"csesidx"`
	} `json:"credentials"`
}

func (g *Gateway) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	creds := store.Credentials{
		SecureCSes: req.Credentials.SecureCSes,
		HostCOSes:  req.Credentials.HostCOSes,
		CSesIdx:    req.Credentials.CSesIdx,
	}
	if req.TeamID == "" || creds.Empty() {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "team_id and credentials are required")
		return
	}

	acc := &store.Account{
		ID:          req.ID,
		TeamID:      req.TeamID,
		UserAgent:   req.UserAgent,
		Credentials: creds,
		Available:   true,
	}
	if err := g.pool.AddAccount(r.Context(), acc); err != nil {
		if errors.Is(err, store.ErrDuplicateAccount) {
			writeOpenAIError(w, http.StatusConflict, "invalid_request_error", "account already exists")
			return
		}
		g.logger.Error("adding account", "error", err)
		writeOpenAIError(w, http.StatusInternalServerError, "internal_error", "adding account failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": acc.ID, "status": "created"})
}

func (g *Gateway) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.pool.RemoveAccount(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "account not found")
			return
		}
		g.logger.Error("removing account", "account_id", id, "error", err)
		writeOpenAIError(w, http.StatusInternalServerError, "internal_error", "removing account failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

type setAvailableRequest struct {
	Available bool `json:"available"`
}

func (g *Gateway) handleSetAvailable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setAvailableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	if err := g.pool.SetAvailable(r.Context(), id, req.Available); err != nil {
		if errors.Is(err, pool.ErrAccountNotFound) {
			writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "account not found")
			return
		}
		g.logger.Error("updating account availability", "account_id", id, "error", err)
		writeOpenAIError(w, http.StatusInternalServerError, "internal_error", "updating account failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "available": req.Available})
}
