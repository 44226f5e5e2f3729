// ABOUTME: Authenticated receiver for credential pushes from peer instances
// ABOUTME: Verifies the shared-secret bearer and upserts credentials into the pool

package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/2389/warren-gateway/internal/auth"
	"github.com/2389/warren-gateway/internal/store"
)

// Applier is the slice of the account pool the ingest side needs.
type Applier interface {
	ApplyCredentials(ctx context.Context, id string, creds store.Credentials) error
}

// Ingest accepts credential pushes. Ingested credentials are applied locally
// and never re-pushed, so a mesh of peers cannot loop.
type Ingest struct {
	verifier *auth.JWTVerifier
	pool     Applier
	enabled  bool
	logger   *slog.Logger
}

// NewIngest builds the ingest handler. An empty shared secret disables it.
func NewIngest(sharedSecret string, pool Applier, logger *slog.Logger) *Ingest {
	return &Ingest{
		verifier: auth.NewJWTVerifier([]byte(sharedSecret)),
		pool:     pool,
		enabled:  sharedSecret != "",
		logger:   logger.With("component", "sync"),
	}
}

// HandlePush handles PUT /api/accounts/{id}. The path id must match the
// payload's account id; mismatches are refused before touching the pool.
func (i *Ingest) HandlePush(w http.ResponseWriter, r *http.Request) {
	if !i.enabled {
		http.Error(w, `{"error":"sync ingest disabled"}`, http.StatusForbidden)
		return
	}

	token, errMsg := auth.BearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
		return
	}
	peer, err := i.verifier.Verify(token)
	if err != nil {
		i.logger.Warn("push rejected: bad token", "error", err)
		http.Error(w, `{"error":"invalid sync token"}`, http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if id == "" || payload.AccountID != id {
		http.Error(w, `{"error":"account id mismatch"}`, http.StatusBadRequest)
		return
	}

	if err := i.pool.ApplyCredentials(r.Context(), id, payload.Credentials.toStore()); err != nil {
		i.logger.Error("applying pushed credentials failed", "account_id", id, "peer", peer, "error", err)
		http.Error(w, `{"error":"applying credentials failed"}`, http.StatusInternalServerError)
		return
	}

	i.logger.Info("credentials ingested", "account_id", id, "peer", peer)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "applied", "account_id": id})
}
