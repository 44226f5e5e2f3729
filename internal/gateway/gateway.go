// ABOUTME: HTTP gateway wiring the OpenAI-compatible surface to the account pool
// ABOUTME: Owns the mux, the server lifecycle, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/warren-gateway/internal/auth"
	"github.com/2389/warren-gateway/internal/config"
	"github.com/2389/warren-gateway/internal/media"
	"github.com/2389/warren-gateway/internal/pool"
	"github.com/2389/warren-gateway/internal/stream"
	syncx "github.com/2389/warren-gateway/internal/sync"
	"github.com/2389/warren-gateway/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

// Deps carries the already-wired components the gateway serves.
type Deps struct {
	Pool       *pool.Pool
	Upstream   *upstream.Client
	Translator *stream.Translator
	Media      *media.FileCache
	Ingest     *syncx.Ingest
}

// Gateway exposes the OpenAI-compatible chat surface, the media cache, the
// status and admin APIs, and the credential sync ingest endpoint.
type Gateway struct {
	cfg        *config.Config
	pool       *pool.Pool
	upstream   *upstream.Client
	translator *stream.Translator
	media      *media.FileCache
	ingest     *syncx.Ingest
	adminKey   *auth.AdminKey
	clientKeys *auth.ClientKeys

	httpServer *http.Server
	logger     *slog.Logger
	clock      func() time.Time
}

// New builds the gateway and its route table.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		pool:       deps.Pool,
		upstream:   deps.Upstream,
		translator: deps.Translator,
		media:      deps.Media,
		ingest:     deps.Ingest,
		adminKey:   auth.NewAdminKey(cfg.Auth.AdminKeyHash),
		clientKeys: auth.NewClientKeys(cfg.Auth.ClientKeyHashes),
		logger:     logger.With("component", "gateway"),
		clock:      time.Now,
	}

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}
	return g
}

// routes builds the mux. Admin account management shares the /api/accounts
// prefix with the sync ingest endpoint; the methods keep them apart.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /v1/status", g.handleStatus)
	mux.Handle("GET /v1/models", g.requireClientKey(http.HandlerFunc(g.handleModels)))
	mux.Handle("POST /v1/chat/completions", g.requireClientKey(http.HandlerFunc(g.handleChatCompletions)))

	if g.media != nil {
		mux.Handle("GET /image/", http.StripPrefix("/image/", g.media.ImageHandler()))
		mux.Handle("GET /video/", http.StripPrefix("/video/", g.media.VideoHandler()))
	}

	if g.ingest != nil {
		mux.HandleFunc("PUT /api/accounts/{id}", g.ingest.HandlePush)
	}

	admin := auth.RequireAdminKey(g.adminKey)
	mux.Handle("GET /api/accounts", admin(http.HandlerFunc(g.handleListAccounts)))
	mux.Handle("POST /api/accounts", admin(http.HandlerFunc(g.handleCreateAccount)))
	mux.Handle("DELETE /api/accounts/{id}", admin(http.HandlerFunc(g.handleDeleteAccount)))
	mux.Handle("PATCH /api/accounts/{id}", admin(http.HandlerFunc(g.handleSetAvailable)))

	return mux
}

// requireClientKey gates the OpenAI-compatible surface behind issued client
// API keys. With no keys configured the surface stays open.
func (g *Gateway) requireClientKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.clientKeys.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		key, errMsg := auth.BearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid_request_error", errMsg)
			return
		}
		if !g.clientKeys.Check(key) {
			writeOpenAIError(w, http.StatusUnauthorized, "invalid_request_error", "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the route table for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
