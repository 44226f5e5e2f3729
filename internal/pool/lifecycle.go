// ABOUTME: Token and session lifecycle management for pooled accounts
// ABOUTME: Enforces token TTL, session use/age thresholds, and generation coupling

package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/warren-gateway/internal/store"
)

// ErrTokenRequired indicates EnsureSession was called before EnsureToken.
// The ordering contract guarantees a token refresh invalidates the session
// before the session is consulted.
var ErrTokenRequired = errors.New("no valid token: call EnsureToken first")

// Token is the short-lived upstream bearer credential for one account.
type Token struct {
	Value    string
	IssuedAt time.Time

	generation uint64
}

// Session is the medium-lived upstream conversation handle for one account.
// UseCount is the number of reuses since creation; a session serves at most
// SessionMaxUses requests counting the one that created it.
type Session struct {
	Name      string
	CreatedAt time.Time
	UseCount  int

	tokenGeneration uint64
}

// Exchanger performs the upstream token and session handshakes.
// Implemented by the upstream client; replaced by fakes in tests.
type Exchanger interface {
	IssueToken(ctx context.Context, acc *store.Account) (string, error)
	CreateSession(ctx context.Context, token, teamID string) (string, error)
}

// EnsureToken returns a valid token for the account, issuing a new one when
// none is cached or the cached one has aged past its TTL. Issuing a new
// token increments the generation and discards the cached session; a session
// created under an old token is never reused under a new one.
//
// The upstream exchange runs outside the pool lock.
func (p *Pool) EnsureToken(ctx context.Context, id string) (Token, error) {
	p.mu.Lock()
	e := p.find(id)
	if e == nil {
		p.mu.Unlock()
		return Token{}, ErrAccountNotFound
	}

	now := p.clock()
	if e.token != nil && now.Before(e.token.IssuedAt.Add(p.cfg.TokenTTL)) {
		tok := *e.token
		p.mu.Unlock()
		return tok, nil
	}
	acc := e.acc.Clone()
	p.mu.Unlock()

	value, err := p.exchange.IssueToken(ctx, acc)
	if err != nil {
		return Token{}, fmt.Errorf("issuing token for account %s: %w", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-find: the account may have been removed while the exchange ran.
	e = p.find(id)
	if e == nil {
		return Token{}, ErrAccountNotFound
	}
	e.tokenGeneration++
	e.token = &Token{
		Value:      value,
		IssuedAt:   p.clock(),
		generation: e.tokenGeneration,
	}
	e.session = nil

	p.logger.Debug("token issued", "account_id", id, "generation", e.tokenGeneration)
	return *e.token, nil
}

// EnsureSession returns a valid session for the account, creating a new one
// when none is cached, the use count or age threshold is exhausted, or the
// token generation has moved. A reused session has its use count incremented
// under the pool lock; a fresh session starts at zero.
//
// Callers must EnsureToken first on every request.
func (p *Pool) EnsureSession(ctx context.Context, id string) (Session, error) {
	p.mu.Lock()
	e := p.find(id)
	if e == nil {
		p.mu.Unlock()
		return Session{}, ErrAccountNotFound
	}
	if e.token == nil {
		p.mu.Unlock()
		return Session{}, ErrTokenRequired
	}

	now := p.clock()
	if p.sessionValid(e, now) {
		e.session.UseCount++
		s := *e.session
		p.mu.Unlock()
		return s, nil
	}

	tokenValue := e.token.Value
	generation := e.token.generation
	teamID := e.acc.TeamID
	p.mu.Unlock()

	name, err := p.exchange.CreateSession(ctx, tokenValue, teamID)
	if err != nil {
		return Session{}, fmt.Errorf("creating session for account %s: %w", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e = p.find(id)
	if e == nil {
		return Session{}, ErrAccountNotFound
	}
	e.session = &Session{
		Name:            name,
		CreatedAt:       p.clock(),
		UseCount:        0,
		tokenGeneration: generation,
	}

	p.logger.Debug("session created", "account_id", id, "session", name)
	return *e.session, nil
}

// sessionValid derives whether the cached session may be reused.
// The caller holds the lock and has verified a token is present.
func (p *Pool) sessionValid(e *entry, now time.Time) bool {
	s := e.session
	if s == nil {
		return false
	}
	if s.tokenGeneration != e.token.generation {
		return false
	}
	// UseCount counts reuses; creation itself was the first use.
	if s.UseCount+1 >= p.cfg.SessionMaxUses {
		return false
	}
	if now.Sub(s.CreatedAt) >= p.cfg.SessionMaxAge {
		return false
	}
	return true
}
