// ABOUTME: Refresher that shells out to an external login flow
// ABOUTME: Passes the account through the environment and reads credentials from stdout

package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/2389/warren-gateway/internal/store"
)

// CommandRefresher runs a configured command to re-login an account. The
// vendor's login flow needs a real browser, so it lives outside this process;
// the contract is environment in, JSON credentials out.
//
// The command receives:
//
//	WARREN_ACCOUNT_ID  the account to refresh
//	WARREN_TEAM_ID     the account's team id
//	WARREN_HEADLESS    "1" when the browser must run headless
//
// and must print {"secure_c_ses":..., "host_c_oses":..., "csesidx":...} on
// stdout.
type CommandRefresher struct {
	command  string
	headless bool
	logger   *slog.Logger
}

// NewCommandRefresher builds a refresher around the given shell command.
func NewCommandRefresher(command string, headless bool, logger *slog.Logger) *CommandRefresher {
	return &CommandRefresher{
		command:  command,
		headless: headless,
		logger:   logger.With("component", "refresh"),
	}
}

// Refresh runs the login flow for one account.
func (r *CommandRefresher) Refresh(ctx context.Context, acc *store.Account) (store.Credentials, error) {
	if r.command == "" {
		return store.Credentials{}, fmt.Errorf("no refresh command configured")
	}

	headless := "0"
	if r.headless {
		headless = "1"
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.command)
	cmd.Env = append(cmd.Environ(),
		"WARREN_ACCOUNT_ID="+acc.ID,
		"WARREN_TEAM_ID="+acc.TeamID,
		"WARREN_HEADLESS="+headless,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("running refresh command", "account_id", acc.ID, "headless", r.headless)
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return store.Credentials{}, fmt.Errorf("refresh command failed: %w: %s", err, detail)
		}
		return store.Credentials{}, fmt.Errorf("refresh command failed: %w", err)
	}

	var creds store.Credentials
	if err := json.Unmarshal(stdout.Bytes(), &creds); err != nil {
		return store.Credentials{}, fmt.Errorf("parsing refresh command output: %w", err)
	}
	if creds.Empty() {
		return store.Credentials{}, fmt.Errorf("refresh command returned no credentials")
	}
	return creds, nil
}
