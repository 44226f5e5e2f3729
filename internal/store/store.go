// ABOUTME: Store interface and data types for warren-gateway persistence
// ABOUTME: Defines the Account record and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAccount is returned when trying to create an account that already exists
var ErrDuplicateAccount = errors.New("account already exists")

// Credentials are the opaque browser-derived fields that authenticate an
// account against the upstream service. The core never interprets them.
type Credentials struct {
	SecureCSes string `json:"secure_c_ses"`
	HostCOSes  string `json:"host_c_oses"`
	CSesIdx    string `json:"csesidx"`
}

// Empty reports whether no credential field is set.
func (c Credentials) Empty() bool {
	return c.SecureCSes == "" && c.HostCOSes == "" && c.CSesIdx == ""
}

// CapabilityCooldown records a temporary suspension of one capability.
// Whether the capability is actually cooling is always derived from Until
// against the current time, never stored separately.
type CapabilityCooldown struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

// Account represents one authenticated identity against the upstream service
type Account struct {
	ID          string
	TeamID      string
	Credentials Credentials
	UserAgent   string

	// Available is the administrator-controlled hard disable. An account
	// with Available=false is never selected regardless of cooldowns.
	Available bool

	// CredentialExpired flags the account for the refresh trigger
	CredentialExpired   bool
	CredentialExpiredAt *time.Time

	// CooldownUntil suspends the whole account when in the future
	CooldownUntil  *time.Time
	CooldownReason string

	// Capabilities maps capability name to its cooldown state
	Capabilities map[string]CapabilityCooldown

	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (a *Account) Clone() *Account {
	cp := *a
	if a.CredentialExpiredAt != nil {
		t := *a.CredentialExpiredAt
		cp.CredentialExpiredAt = &t
	}
	if a.CooldownUntil != nil {
		t := *a.CooldownUntil
		cp.CooldownUntil = &t
	}
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		cp.LastUsedAt = &t
	}
	cp.Capabilities = make(map[string]CapabilityCooldown, len(a.Capabilities))
	for k, v := range a.Capabilities {
		cp.Capabilities[k] = v
	}
	return &cp
}

// Store defines the interface for account persistence.
// The pool owns the in-memory view; the store is the durable backing copy,
// written through on every mutation so a restart reconstructs identical state.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error
	DeleteAccount(ctx context.Context, id string) error

	Close() error
}
