// ABOUTME: Pushes refreshed credentials to peer gateway instances
// ABOUTME: Fire-and-forget fan-out with per-peer HS256 bearer signing

package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/warren-gateway/internal/auth"
	"github.com/2389/warren-gateway/internal/refresh"
	"github.com/2389/warren-gateway/internal/store"
)

// pushTokenTTL bounds how long a signed push token stays valid in transit.
const pushTokenTTL = 5 * time.Minute

// Peer is one receiving gateway instance.
type Peer struct {
	URL    string
	Secret string
}

// Payload is the wire format for a credential push.
type Payload struct {
	AccountID   string             `json:"account_id"`
	Credentials PayloadCredentials `json:"credentials"`
	IssuedAt    time.Time          `json:"issued_at"`
}

// PayloadCredentials mirrors the cookie blobs an account carries.
type PayloadCredentials struct {
	SecureCSes string `json:"secure_c_ses"`
	HostCOSes  string `json:"host_c_oses"`
	CSesIdx    string `json:"csesidx"`
}

func toPayloadCredentials(c store.Credentials) PayloadCredentials {
	return PayloadCredentials{SecureCSes: c.SecureCSes, HostCOSes: c.HostCOSes, CSesIdx: c.CSesIdx}
}

func (p PayloadCredentials) toStore() store.Credentials {
	return store.Credentials{SecureCSes: p.SecureCSes, HostCOSes: p.HostCOSes, CSesIdx: p.CSesIdx}
}

// Pusher fans refreshed credentials out to configured peers. Push failures
// are logged and dropped; the next refresh of the same account retries
// implicitly, and a failed peer never blocks the local instance.
type Pusher struct {
	peers      []Peer
	instanceID string
	http       *http.Client
	logger     *slog.Logger
}

// NewPusher builds a pusher. instanceID becomes the token subject so
// receivers can log which peer pushed.
func NewPusher(peers []Peer, instanceID string, timeout time.Duration, logger *slog.Logger) *Pusher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Pusher{
		peers:      peers,
		instanceID: instanceID,
		http:       &http.Client{Timeout: timeout},
		logger:     logger.With("component", "sync"),
	}
}

// Run consumes refresh results until the channel closes or ctx is cancelled.
func (p *Pusher) Run(ctx context.Context, results <-chan refresh.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				return
			}
			p.PushAll(ctx, result)
		}
	}
}

// PushAll sends one result to every configured peer.
func (p *Pusher) PushAll(ctx context.Context, result refresh.Result) {
	for _, peer := range p.peers {
		if err := p.push(ctx, peer, result); err != nil {
			p.logger.Warn("credential push failed",
				"peer", peer.URL,
				"account_id", result.AccountID,
				"error", err,
			)
			continue
		}
		p.logger.Info("credentials pushed", "peer", peer.URL, "account_id", result.AccountID)
	}
}

func (p *Pusher) push(ctx context.Context, peer Peer, result refresh.Result) error {
	payload := Payload{
		AccountID:   result.AccountID,
		Credentials: toPayloadCredentials(result.Credentials),
		IssuedAt:    result.IssuedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding push payload: %w", err)
	}

	token, err := auth.NewJWTVerifier([]byte(peer.Secret)).Generate(p.instanceID, pushTokenTTL)
	if err != nil {
		return fmt.Errorf("signing push token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/accounts/%s", strings.TrimRight(peer.URL, "/"), result.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}
