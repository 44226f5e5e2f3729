// ABOUTME: Tests for account pool selection and cooldown behavior
// ABOUTME: Covers round-robin order, exhaustion, classification scopes, and monotonic expiry

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-gateway/internal/store"
)

type fakeExchanger struct {
	tokens   int
	sessions int
	tokenErr error
}

func (f *fakeExchanger) IssueToken(ctx context.Context, acc *store.Account) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	f.tokens++
	return fmt.Sprintf("token-%d", f.tokens), nil
}

func (f *fakeExchanger) CreateSession(ctx context.Context, token, teamID string) (string, error) {
	f.sessions++
	return fmt.Sprintf("sessions/sess-%d", f.sessions), nil
}

func testConfig() Config {
	return Config{
		AuthCooldown:      15 * time.Minute,
		RateLimitCooldown: 5 * time.Minute,
		GenericCooldown:   2 * time.Minute,
		TokenTTL:          4 * time.Minute,
		SessionMaxAge:     12 * time.Hour,
		SessionMaxUses:    50,
		QuotaResetZone:    time.FixedZone("quota-reset", -8*60*60),
	}
}

func newTestPool(t *testing.T, ids ...string) (*Pool, *store.MockStore, *fakeExchanger) {
	t.Helper()
	st := store.NewMockStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		err := st.CreateAccount(context.Background(), &store.Account{
			ID:        id,
			TeamID:    "team-" + id,
			Available: true,
			Credentials: store.Credentials{
				SecureCSes: "ses-" + id,
				HostCOSes:  "oses-" + id,
				CSesIdx:    "idx-" + id,
			},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	ex := &fakeExchanger{}
	p, err := New(context.Background(), st, ex, testConfig(), slog.Default())
	require.NoError(t, err)
	return p, st, ex
}

func TestSelect_RoundRobin(t *testing.T) {
	p, _, _ := newTestPool(t, "a", "b", "c")

	var order []string
	for i := 0; i < 6; i++ {
		acc, err := p.Select(CapabilityText)
		require.NoError(t, err)
		order = append(order, acc.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestSelect_SkipsCoolingAccount(t *testing.T) {
	p, _, _ := newTestPool(t, "a", "b", "c")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	require.NoError(t, p.ReportFailure(context.Background(), "b", CapabilityText, ClassUpstreamError, ""))

	var order []string
	for i := 0; i < 4; i++ {
		acc, err := p.Select(CapabilityText)
		require.NoError(t, err)
		order = append(order, acc.ID)
	}
	assert.Equal(t, []string{"a", "c", "a", "c"}, order)
}

func TestSelect_Exhausted(t *testing.T) {
	p, _, _ := newTestPool(t, "a", "b")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassUpstreamError, ""))
	require.NoError(t, p.ReportFailure(context.Background(), "b", CapabilityText, ClassRateLimit, ""))

	_, err := p.Select(CapabilityText)
	var na *NoAvailableAccountError
	require.ErrorAs(t, err, &na)
	assert.Equal(t, CapabilityText, na.Capability)
	// Account "a" has the generic 2m cooldown, the sooner of the two.
	assert.Equal(t, now.Add(2*time.Minute), na.RetryAt)
}

func TestSelect_CooldownBoundaryInclusive(t *testing.T) {
	p, _, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassUpstreamError, ""))

	// One nanosecond before expiry the account is still cooling.
	p.SetClock(func() time.Time { return now.Add(2*time.Minute - time.Nanosecond) })
	_, err := p.Select(CapabilityText)
	require.Error(t, err)

	// At exactly the expiry instant it is eligible again.
	p.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	acc, err := p.Select(CapabilityText)
	require.NoError(t, err)
	assert.Equal(t, "a", acc.ID)
}

func TestReportFailure_MonotonicExpiry(t *testing.T) {
	p, st, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	// Rate limit at noon: capability cools until 12:05.
	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassRateLimit, ""))

	// A generic error one minute later would expire at 12:03; the recorded
	// 12:05 must not move earlier.
	p.SetClock(func() time.Time { return now.Add(time.Minute) })
	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassUpstreamError, ""))

	acc, err := st.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	cc, ok := acc.Capabilities[CapabilityText]
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), cc.Until)
}

func TestReportFailure_CapabilityIsolation(t *testing.T) {
	p, _, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityImage, ClassRateLimit, "quota exhausted"))

	_, err := p.Select(CapabilityImage)
	require.Error(t, err)

	acc, err := p.Select(CapabilityText)
	require.NoError(t, err)
	assert.Equal(t, "a", acc.ID)
}

func TestReportFailure_AuthCoolsWholeAccount(t *testing.T) {
	p, st, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	woken := false
	p.SetWake(func() { woken = true })

	// Prime a token and session so the failure has something to drop.
	_, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	_, err = p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassAuthFailure, "HTTP 401"))

	for _, capability := range []string{CapabilityText, CapabilityImage, CapabilityVideo} {
		_, err := p.Select(capability)
		assert.Error(t, err, "capability %s should be cooling", capability)
	}

	acc, err := st.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, acc.CredentialExpired)
	require.NotNil(t, acc.CooldownUntil)
	assert.Equal(t, now.Add(15*time.Minute), *acc.CooldownUntil)
	assert.True(t, woken, "refresh trigger should be woken")

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].HasToken, "cached token should be dropped")
}

func TestReportFailure_RateLimitCappedAtQuotaReset(t *testing.T) {
	p, st, _ := newTestPool(t, "a")
	// 23:58 in the UTC-8 quota zone: the daily boundary is two minutes out,
	// sooner than the 5m rate-limit duration.
	zone := time.FixedZone("quota-reset", -8*60*60)
	now := time.Date(2025, 6, 1, 23, 58, 0, 0, zone)
	p.SetClock(func() time.Time { return now })

	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassRateLimit, ""))

	acc, err := st.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	cc := acc.Capabilities[CapabilityText]
	assert.True(t, cc.Until.Equal(time.Date(2025, 6, 2, 0, 0, 0, 0, zone)),
		"cooldown should end at the quota boundary, got %v", cc.Until)
}

func TestReportSuccess_StampsLastUsed(t *testing.T) {
	p, st, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	require.NoError(t, p.ReportSuccess(context.Background(), "a"))

	acc, err := st.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, acc.LastUsedAt)
	assert.True(t, acc.LastUsedAt.Equal(now))
	assert.Nil(t, acc.CooldownUntil)
}

func TestEnsureToken_CachedWithinTTL(t *testing.T) {
	p, _, ex := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	tok1, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)

	p.SetClock(func() time.Time { return now.Add(3 * time.Minute) })
	tok2, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, tok1.Value, tok2.Value)
	assert.Equal(t, 1, ex.tokens)

	p.SetClock(func() time.Time { return now.Add(4 * time.Minute) })
	tok3, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, tok1.Value, tok3.Value)
	assert.Equal(t, 2, ex.tokens)
}

func TestEnsureToken_ExchangeError(t *testing.T) {
	p, _, ex := newTestPool(t, "a")
	ex.tokenErr = errors.New("upstream said no")

	_, err := p.EnsureToken(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream said no")
}

func TestEnsureSession_RequiresToken(t *testing.T) {
	p, _, _ := newTestPool(t, "a")

	_, err := p.EnsureSession(context.Background(), "a")
	assert.ErrorIs(t, err, ErrTokenRequired)
}

func TestEnsureSession_ReuseIncrementsUseCount(t *testing.T) {
	p, _, ex := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	_, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)

	s1, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 0, s1.UseCount)

	s2, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, s1.Name, s2.Name)
	assert.Equal(t, 1, s2.UseCount)
	assert.Equal(t, 1, ex.sessions)
}

func TestEnsureSession_UseCountExhaustion(t *testing.T) {
	p, _, ex := newTestPool(t, "a")
	cfg := testConfig()
	cfg.SessionMaxUses = 3
	p.cfg = cfg
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	_, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)

	var last Session
	for i := 0; i < 3; i++ {
		last, err = p.EnsureSession(context.Background(), "a")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, last.UseCount)

	// The fourth call would push the use count to the threshold; a fresh
	// session is created instead, starting at zero.
	fresh, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, last.Name, fresh.Name)
	assert.Equal(t, 0, fresh.UseCount)
	assert.Equal(t, 2, ex.sessions)
}

func TestEnsureSession_AgeExhaustion(t *testing.T) {
	p, _, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	_, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	s1, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)

	// 12 hours later the session has aged out. The token has too, so refresh
	// it first the way the request path does.
	p.SetClock(func() time.Time { return now.Add(12 * time.Hour) })
	_, err = p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	s2, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, s1.Name, s2.Name)
	assert.Equal(t, 0, s2.UseCount)
}

func TestEnsureToken_RefreshInvalidatesSession(t *testing.T) {
	p, _, ex := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	_, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	s1, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)

	// Past the token TTL but well within the session's age and use limits.
	p.SetClock(func() time.Time { return now.Add(5 * time.Minute) })
	_, err = p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 2, ex.tokens)

	s2, err := p.EnsureSession(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, s1.Name, s2.Name, "session from the old token must not survive a token refresh")
	assert.Equal(t, 0, s2.UseCount)
}

func TestApplyCredentials_ClearsExpiryAndCooldown(t *testing.T) {
	p, st, _ := newTestPool(t, "a")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	_, err := p.EnsureToken(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassAuthFailure, "HTTP 403"))

	creds := store.Credentials{SecureCSes: "new-ses", HostCOSes: "new-oses", CSesIdx: "new-idx"}
	require.NoError(t, p.ApplyCredentials(context.Background(), "a", creds))

	acc, err := st.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, creds, acc.Credentials)
	assert.False(t, acc.CredentialExpired)
	assert.Nil(t, acc.CooldownUntil)

	// Eligible again immediately.
	got, err := p.Select(CapabilityText)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func TestApplyCredentials_CreatesUnknownAccount(t *testing.T) {
	p, st, _ := newTestPool(t)

	creds := store.Credentials{SecureCSes: "s", HostCOSes: "o", CSesIdx: "i"}
	require.NoError(t, p.ApplyCredentials(context.Background(), "pushed-1", creds))

	acc, err := st.GetAccount(context.Background(), "pushed-1")
	require.NoError(t, err)
	assert.Equal(t, creds, acc.Credentials)
	assert.True(t, acc.Available)

	got, err := p.Select(CapabilityText)
	require.NoError(t, err)
	assert.Equal(t, "pushed-1", got.ID)
}

func TestApplyCredentials_RejectsEmpty(t *testing.T) {
	p, st, _ := newTestPool(t, "a")

	err := p.ApplyCredentials(context.Background(), "a", store.Credentials{})
	require.Error(t, err)

	acc, err := st.GetAccount(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "ses-a", acc.Credentials.SecureCSes, "stored credentials must be untouched")
}

func TestSetAvailable_HardDisable(t *testing.T) {
	p, _, _ := newTestPool(t, "a")

	require.NoError(t, p.SetAvailable(context.Background(), "a", false))
	_, err := p.Select(CapabilityText)
	require.Error(t, err)

	require.NoError(t, p.SetAvailable(context.Background(), "a", true))
	_, err = p.Select(CapabilityText)
	require.NoError(t, err)
}

func TestEligibleCount(t *testing.T) {
	p, _, _ := newTestPool(t, "a", "b", "c")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	assert.Equal(t, 3, p.EligibleCount(CapabilityText))

	require.NoError(t, p.ReportFailure(context.Background(), "b", CapabilityText, ClassRateLimit, ""))
	assert.Equal(t, 2, p.EligibleCount(CapabilityText))
	assert.Equal(t, 3, p.EligibleCount(CapabilityImage))
}

func TestRetryAfter(t *testing.T) {
	p, _, _ := newTestPool(t, "a", "b")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	assert.True(t, p.RetryAfter(CapabilityText).IsZero(), "no cooldowns, no hint")

	require.NoError(t, p.ReportFailure(context.Background(), "a", CapabilityText, ClassUpstreamError, ""))
	require.NoError(t, p.ReportFailure(context.Background(), "b", CapabilityText, ClassRateLimit, ""))

	// The generic 2m cooldown on "a" is the sooner of the two.
	assert.Equal(t, now.Add(2*time.Minute), p.RetryAfter(CapabilityText))

	// The query is read-only: even with eligible accounts it must not
	// advance the rotation cursor the way Select does.
	p.SetClock(func() time.Time { return now.Add(10 * time.Minute) })
	assert.True(t, p.RetryAfter(CapabilityText).IsZero())
	acc, err := p.Select(CapabilityText)
	require.NoError(t, err)
	assert.Equal(t, "a", acc.ID)
}

func TestExpiredCredentials(t *testing.T) {
	p, _, _ := newTestPool(t, "a", "b")

	require.NoError(t, p.ReportFailure(context.Background(), "b", CapabilityText, ClassAuthFailure, ""))

	expired := p.ExpiredCredentials()
	require.Len(t, expired, 1)
	assert.Equal(t, "b", expired[0].ID)
}

func TestRemoveAccount(t *testing.T) {
	p, st, _ := newTestPool(t, "a", "b")

	require.NoError(t, p.RemoveAccount(context.Background(), "a"))
	_, err := st.GetAccount(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	total, available := p.Counts(CapabilityText)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, available)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, ClassAuthFailure, ClassifyStatus(401))
	assert.Equal(t, ClassAuthFailure, ClassifyStatus(403))
	assert.Equal(t, ClassRateLimit, ClassifyStatus(429))
	assert.Equal(t, ClassUpstreamError, ClassifyStatus(500))
	assert.Equal(t, ClassUpstreamError, ClassifyStatus(404))
}
