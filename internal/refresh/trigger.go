// ABOUTME: Background trigger that hands expired credentials to a refresher
// ABOUTME: Periodic scan plus immediate wake when an auth failure flags an account

package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/warren-gateway/internal/store"
)

// Refresher performs the external credential refresh procedure for one
// account. Implementations drive a browser or an operator workflow; the
// trigger only cares about the resulting cookie blobs.
type Refresher interface {
	Refresh(ctx context.Context, acc *store.Account) (store.Credentials, error)
}

// Result is one successful refresh, published for cross-instance sync.
type Result struct {
	AccountID   string
	Credentials store.Credentials
	IssuedAt    time.Time
}

// Pool is the slice of the account pool the trigger needs.
type Pool interface {
	ExpiredCredentials() []*store.Account
	ApplyCredentials(ctx context.Context, id string, creds store.Credentials) error
}

// Trigger scans for credential-expired accounts and refreshes them. A scan
// runs every interval and immediately after Wake. Refresh failures leave the
// expired flag set for the next scan; they never escalate into cooldowns.
type Trigger struct {
	pool      Pool
	refresher Refresher
	interval  time.Duration
	wake      chan struct{}
	results   chan Result
	clock     func() time.Time
	logger    *slog.Logger
}

// New builds a trigger. interval defaults to 30 minutes when zero.
func New(pool Pool, refresher Refresher, interval time.Duration, logger *slog.Logger) *Trigger {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Trigger{
		pool:      pool,
		refresher: refresher,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		results:   make(chan Result, 16),
		clock:     time.Now,
		logger:    logger.With("component", "refresh"),
	}
}

// SetClock replaces the trigger's time source. Test use only.
func (t *Trigger) SetClock(clock func() time.Time) {
	t.clock = clock
}

// Wake requests an immediate scan. Coalesces when one is already pending.
func (t *Trigger) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Results returns the stream of successful refreshes for the sync pusher.
func (t *Trigger) Results() <-chan Result {
	return t.results
}

// Run executes the scan loop until ctx is cancelled, then closes the
// results channel.
func (t *Trigger) Run(ctx context.Context) {
	defer close(t.results)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("refresh trigger started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Scan(ctx)
		case <-t.wake:
			t.Scan(ctx)
		}
	}
}

// Scan refreshes every account currently flagged credential-expired.
func (t *Trigger) Scan(ctx context.Context) {
	expired := t.pool.ExpiredCredentials()
	if len(expired) == 0 {
		return
	}
	t.logger.Info("refreshing expired credentials", "accounts", len(expired))

	for _, acc := range expired {
		if ctx.Err() != nil {
			return
		}
		creds, err := t.refresher.Refresh(ctx, acc)
		if err != nil {
			// The expired flag stays set; the next scan retries.
			t.logger.Warn("credential refresh failed", "account_id", acc.ID, "error", err)
			continue
		}
		if err := t.pool.ApplyCredentials(ctx, acc.ID, creds); err != nil {
			t.logger.Error("applying refreshed credentials failed", "account_id", acc.ID, "error", err)
			continue
		}
		t.logger.Info("credentials refreshed", "account_id", acc.ID)

		result := Result{AccountID: acc.ID, Credentials: creds, IssuedAt: t.clock()}
		select {
		case t.results <- result:
		case <-ctx.Done():
			return
		}
	}
}
