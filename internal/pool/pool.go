// ABOUTME: Account pool with round-robin selection and cooldown bookkeeping
// ABOUTME: Owns the in-memory account view and writes every mutation through to the store

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/warren-gateway/internal/store"
)

// Capability names with independently tracked quota.
const (
	CapabilityText  = "text"
	CapabilityImage = "image"
	CapabilityVideo = "video"
)

// ErrAccountNotFound indicates the specified account is not in the pool.
var ErrAccountNotFound = errors.New("account not found")

// NoAvailableAccountError is returned by Select when no account is eligible
// for the requested capability. RetryAt carries the soonest cooldown expiry
// among suspended accounts so callers can report when capacity returns.
type NoAvailableAccountError struct {
	Capability string
	RetryAt    time.Time
}

func (e *NoAvailableAccountError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("no available account for capability %q", e.Capability)
	}
	return fmt.Sprintf("no available account for capability %q (soonest cooldown expires %s)",
		e.Capability, e.RetryAt.Format(time.RFC3339))
}

// Clock supplies the current time; injectable for tests.
type Clock func() time.Time

// Config holds the pool's cooldown and lifecycle tuning.
type Config struct {
	AuthCooldown      time.Duration
	RateLimitCooldown time.Duration
	GenericCooldown   time.Duration

	TokenTTL       time.Duration
	SessionMaxAge  time.Duration
	SessionMaxUses int

	// QuotaResetZone locates the upstream's daily quota-reset midnight
	QuotaResetZone *time.Location
}

// entry pairs an account record with its in-memory token/session cache.
type entry struct {
	acc     *store.Account
	token   *Token
	session *Session
	// tokenGeneration increments on every token install; sessions remember
	// the generation they were created under.
	tokenGeneration uint64
}

// Pool manages account selection, cooldowns, and token/session lifecycle.
// A single mutex guards all metadata; upstream network calls never run
// under it.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	cursor  int

	store    store.Store
	exchange Exchanger
	cfg      Config
	clock    Clock
	logger   *slog.Logger

	// wake pulses the refresh trigger when a credential is flagged expired
	wake func()
}

// New loads all accounts from the store and returns a ready pool.
func New(ctx context.Context, st store.Store, exchange Exchanger, cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.QuotaResetZone == nil {
		cfg.QuotaResetZone = time.FixedZone("quota-reset", -8*60*60)
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}

	p := &Pool{
		store:    st,
		exchange: exchange,
		cfg:      cfg,
		clock:    time.Now,
		logger:   logger.With("component", "pool"),
	}
	for _, acc := range accounts {
		p.entries = append(p.entries, &entry{acc: acc})
	}

	p.logger.Info("account pool loaded", "accounts", len(p.entries))
	return p, nil
}

// SetClock replaces the pool's time source. Test use only.
func (p *Pool) SetClock(clock Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

// SetWake registers a callback invoked when an auth failure flags a
// credential as expired, so the refresh trigger can react immediately.
func (p *Pool) SetWake(wake func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wake = wake
}

// Select returns the next account eligible for the given capability,
// advancing the round-robin cursor past the returned index. When the cursor
// wraps a full pool length without a match it returns NoAvailableAccountError.
func (p *Pool) Select(capability string) (*store.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if p.eligible(p.entries[idx], capability, now) {
			p.cursor = (idx + 1) % n
			return p.entries[idx].acc.Clone(), nil
		}
	}

	return nil, &NoAvailableAccountError{
		Capability: capability,
		RetryAt:    p.soonestExpiry(capability, now),
	}
}

// EligibleCount reports how many accounts could serve the capability right
// now. The chat path uses it to bound its retry loop.
func (p *Pool) EligibleCount(capability string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	count := 0
	for _, e := range p.entries {
		if p.eligible(e, capability, now) {
			count++
		}
	}
	return count
}

// RetryAfter reports the soonest instant a suspended account becomes
// eligible for the capability again, without moving the rotation cursor.
// Zero when nothing is merely cooling down.
func (p *Pool) RetryAfter(capability string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.soonestExpiry(capability, p.clock())
}

// eligible derives availability from timestamps; the caller holds the lock.
func (p *Pool) eligible(e *entry, capability string, now time.Time) bool {
	if !e.acc.Available {
		return false
	}
	if e.acc.CooldownUntil != nil && now.Before(*e.acc.CooldownUntil) {
		return false
	}
	if cc, ok := e.acc.Capabilities[capability]; ok && now.Before(cc.Until) {
		return false
	}
	return true
}

// soonestExpiry finds the earliest instant any suspended account becomes
// eligible again for the capability. Zero when nothing is merely cooling.
func (p *Pool) soonestExpiry(capability string, now time.Time) time.Time {
	var soonest time.Time
	consider := func(t time.Time) {
		if t.After(now) && (soonest.IsZero() || t.Before(soonest)) {
			soonest = t
		}
	}
	for _, e := range p.entries {
		if !e.acc.Available {
			continue
		}
		if e.acc.CooldownUntil != nil {
			consider(*e.acc.CooldownUntil)
		}
		if cc, ok := e.acc.Capabilities[capability]; ok {
			consider(cc.Until)
		}
	}
	return soonest
}

// ReportSuccess stamps the account's last-used time. Cooldown state is
// untouched.
func (p *Pool) ReportSuccess(ctx context.Context, id string) error {
	p.mu.Lock()
	e := p.find(id)
	if e == nil {
		p.mu.Unlock()
		return ErrAccountNotFound
	}
	now := p.clock()
	e.acc.LastUsedAt = &now
	snapshot := e.acc.Clone()
	p.mu.Unlock()

	return p.persist(ctx, snapshot)
}

// ReportFailure places the account (auth failures) or one capability (rate
// limits and generic errors) into cooldown. The expiry never moves earlier
// than an already-recorded one.
func (p *Pool) ReportFailure(ctx context.Context, id, capability string, class Classification, detail string) error {
	p.mu.Lock()
	e := p.find(id)
	if e == nil {
		p.mu.Unlock()
		return ErrAccountNotFound
	}

	now := p.clock()
	until := p.cooldownUntil(now, class)
	reason := class.String()
	if detail != "" {
		reason = fmt.Sprintf("%s: %s", reason, truncate(detail, 100))
	}

	var expiredFlagged bool
	if class == ClassAuthFailure {
		if e.acc.CooldownUntil == nil || until.After(*e.acc.CooldownUntil) {
			e.acc.CooldownUntil = &until
			e.acc.CooldownReason = reason
		}
		// A rejected credential is useless until refreshed; drop the
		// cached token and session and flag for the refresh trigger.
		e.token = nil
		e.session = nil
		if !e.acc.CredentialExpired {
			e.acc.CredentialExpired = true
			e.acc.CredentialExpiredAt = &now
			expiredFlagged = true
		}
	} else {
		if e.acc.Capabilities == nil {
			e.acc.Capabilities = make(map[string]store.CapabilityCooldown)
		}
		existing, ok := e.acc.Capabilities[capability]
		if !ok || until.After(existing.Until) {
			e.acc.Capabilities[capability] = store.CapabilityCooldown{Until: until, Reason: reason}
		}
	}

	snapshot := e.acc.Clone()
	wake := p.wake
	p.mu.Unlock()

	p.logger.Warn("account failure recorded",
		"account_id", id,
		"capability", capability,
		"classification", class.String(),
		"cooldown_until", until,
	)

	if expiredFlagged && wake != nil {
		wake()
	}

	return p.persist(ctx, snapshot)
}

// ApplyCredentials upserts refreshed credential fields, clears the expired
// flag and the account-level cooldown, and invalidates the cached token and
// session. Unknown account ids are created, which is how a sync push seeds
// a fresh instance.
func (p *Pool) ApplyCredentials(ctx context.Context, id string, creds store.Credentials) error {
	if creds.Empty() {
		return fmt.Errorf("refusing to apply empty credentials to account %s", id)
	}

	p.mu.Lock()
	e := p.find(id)
	if e == nil {
		acc := &store.Account{
			ID:           id,
			Credentials:  creds,
			Available:    true,
			Capabilities: make(map[string]store.CapabilityCooldown),
		}
		e = &entry{acc: acc}
		p.entries = append(p.entries, e)
		p.mu.Unlock()

		if err := p.store.CreateAccount(ctx, acc.Clone()); err != nil {
			return fmt.Errorf("creating account from credentials: %w", err)
		}
		p.logger.Info("account created from pushed credentials", "account_id", id)
		return nil
	}

	e.acc.Credentials = creds
	e.acc.CredentialExpired = false
	e.acc.CredentialExpiredAt = nil
	e.acc.CooldownUntil = nil
	e.acc.CooldownReason = ""
	e.acc.Available = true
	e.token = nil
	e.session = nil
	snapshot := e.acc.Clone()
	p.mu.Unlock()

	p.logger.Info("credentials applied", "account_id", id)
	return p.persist(ctx, snapshot)
}

// AddAccount registers a new account in the store and the pool.
func (p *Pool) AddAccount(ctx context.Context, acc *store.Account) error {
	if acc.Capabilities == nil {
		acc.Capabilities = make(map[string]store.CapabilityCooldown)
	}
	if err := p.store.CreateAccount(ctx, acc); err != nil {
		return err
	}

	p.mu.Lock()
	p.entries = append(p.entries, &entry{acc: acc.Clone()})
	p.mu.Unlock()

	p.logger.Info("account added", "account_id", acc.ID)
	return nil
}

// RemoveAccount deletes an account from the store and the pool.
func (p *Pool) RemoveAccount(ctx context.Context, id string) error {
	if err := p.store.DeleteAccount(ctx, id); err != nil {
		return err
	}

	p.mu.Lock()
	for i, e := range p.entries {
		if e.acc.ID == id {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			if p.cursor >= len(p.entries) && len(p.entries) > 0 {
				p.cursor = 0
			}
			break
		}
	}
	p.mu.Unlock()

	p.logger.Info("account removed", "account_id", id)
	return nil
}

// SetAvailable flips the administrator hard-disable flag.
func (p *Pool) SetAvailable(ctx context.Context, id string, available bool) error {
	p.mu.Lock()
	e := p.find(id)
	if e == nil {
		p.mu.Unlock()
		return ErrAccountNotFound
	}
	e.acc.Available = available
	snapshot := e.acc.Clone()
	p.mu.Unlock()

	return p.persist(ctx, snapshot)
}

// ExpiredCredentials returns accounts flagged for the refresh trigger.
func (p *Pool) ExpiredCredentials() []*store.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*store.Account
	for _, e := range p.entries {
		if e.acc.CredentialExpired {
			out = append(out, e.acc.Clone())
		}
	}
	return out
}

// AccountStatus is the observability view of one pooled account.
type AccountStatus struct {
	ID                string               `json:"id"`
	TeamID            string               `json:"team_id,omitempty"`
	Available         bool                 `json:"available"`
	CredentialExpired bool                 `json:"credential_expired"`
	Status            string               `json:"status"` // "ok" or "cooldown"
	CooldownRemaining time.Duration        `json:"cooldown_remaining,omitempty"`
	CooldownReason    string               `json:"cooldown_reason,omitempty"`
	Capabilities      map[string]CapStatus `json:"capabilities,omitempty"`
	LastUsedAt        *time.Time           `json:"last_used_at,omitempty"`
	SessionUseCount   int                  `json:"session_use_count"`
	HasToken          bool                 `json:"has_token"`
}

// CapStatus is the derived state of one capability.
type CapStatus struct {
	Status            string        `json:"status"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	Reason            string        `json:"reason,omitempty"`
}

// Snapshot reports the derived state of every account for the status API.
func (p *Pool) Snapshot() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	out := make([]AccountStatus, 0, len(p.entries))
	for _, e := range p.entries {
		st := AccountStatus{
			ID:                e.acc.ID,
			TeamID:            e.acc.TeamID,
			Available:         e.acc.Available,
			CredentialExpired: e.acc.CredentialExpired,
			Status:            "ok",
			LastUsedAt:        e.acc.LastUsedAt,
			HasToken:          e.token != nil,
		}
		if e.session != nil {
			st.SessionUseCount = e.session.UseCount
		}
		if e.acc.CooldownUntil != nil && now.Before(*e.acc.CooldownUntil) {
			st.Status = "cooldown"
			st.CooldownRemaining = e.acc.CooldownUntil.Sub(now)
			st.CooldownReason = e.acc.CooldownReason
		}
		if len(e.acc.Capabilities) > 0 {
			st.Capabilities = make(map[string]CapStatus, len(e.acc.Capabilities))
			for name, cc := range e.acc.Capabilities {
				cs := CapStatus{Status: "ok"}
				if now.Before(cc.Until) {
					cs.Status = "cooldown"
					cs.CooldownRemaining = cc.Until.Sub(now)
					cs.Reason = cc.Reason
				}
				st.Capabilities[name] = cs
			}
		}
		out = append(out, st)
	}
	return out
}

// Counts returns total and currently-eligible account counts for a capability.
func (p *Pool) Counts(capability string) (total, available int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	for _, e := range p.entries {
		total++
		if p.eligible(e, capability, now) {
			available++
		}
	}
	return total, available
}

// find returns the entry for an account id; the caller holds the lock.
func (p *Pool) find(id string) *entry {
	for _, e := range p.entries {
		if e.acc.ID == id {
			return e
		}
	}
	return nil
}

// persist writes an account snapshot through to the store.
func (p *Pool) persist(ctx context.Context, acc *store.Account) error {
	if err := p.store.UpdateAccount(ctx, acc); err != nil {
		p.logger.Error("persisting account state", "account_id", acc.ID, "error", err)
		return fmt.Errorf("persisting account %s: %w", acc.ID, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
