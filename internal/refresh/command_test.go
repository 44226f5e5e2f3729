// ABOUTME: Tests for the external-command refresher
// ABOUTME: Exercises the environment contract and output parsing with shell one-liners

package refresh

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren-gateway/internal/store"
)

func TestCommandRefresher_ParsesOutput(t *testing.T) {
	r := NewCommandRefresher(
		`printf '{"secure_c_ses":"ses-%s","host_c_oses":"oses","csesidx":"idx"}' "$WARREN_ACCOUNT_ID"`,
		true, slog.Default())

	creds, err := r.Refresh(context.Background(), &store.Account{ID: "acct-1", TeamID: "team-1"})
	require.NoError(t, err)
	assert.Equal(t, "ses-acct-1", creds.SecureCSes)
	assert.Equal(t, "oses", creds.HostCOSes)
	assert.Equal(t, "idx", creds.CSesIdx)
}

func TestCommandRefresher_HeadlessEnv(t *testing.T) {
	r := NewCommandRefresher(
		`printf '{"secure_c_ses":"h%s","host_c_oses":"x","csesidx":"x"}' "$WARREN_HEADLESS"`,
		false, slog.Default())

	creds, err := r.Refresh(context.Background(), &store.Account{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "h0", creds.SecureCSes)
}

func TestCommandRefresher_Failure(t *testing.T) {
	r := NewCommandRefresher(`echo "login blew up" >&2; exit 3`, true, slog.Default())

	_, err := r.Refresh(context.Background(), &store.Account{ID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login blew up")
}

func TestCommandRefresher_BadOutput(t *testing.T) {
	r := NewCommandRefresher(`echo not-json`, true, slog.Default())
	_, err := r.Refresh(context.Background(), &store.Account{ID: "a"})
	assert.Error(t, err)
}

func TestCommandRefresher_EmptyCredentials(t *testing.T) {
	r := NewCommandRefresher(`echo '{}'`, true, slog.Default())
	_, err := r.Refresh(context.Background(), &store.Account{ID: "a"})
	assert.Error(t, err)
}

func TestCommandRefresher_NoCommand(t *testing.T) {
	r := NewCommandRefresher("", true, slog.Default())
	_, err := r.Refresh(context.Background(), &store.Account{ID: "a"})
	assert.Error(t, err)
}
