// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides account persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// createSchema creates the accounts table if it doesn't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL DEFAULT '',
		secure_c_ses TEXT NOT NULL DEFAULT '',
		host_c_oses TEXT NOT NULL DEFAULT '',
		csesidx TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		available INTEGER NOT NULL DEFAULT 1,
		credential_expired INTEGER NOT NULL DEFAULT 0,
		credential_expired_at TIMESTAMP,
		cooldown_until TIMESTAMP,
		cooldown_reason TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '{}',
		last_used_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new account record.
// Returns ErrDuplicateAccount if an account with the same ID already exists.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}

	caps, err := marshalCapabilities(account.Capabilities)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (
			id, team_id, secure_c_ses, host_c_oses, csesidx, user_agent,
			available, credential_expired, credential_expired_at,
			cooldown_until, cooldown_reason, capabilities,
			last_used_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		account.ID,
		account.TeamID,
		account.Credentials.SecureCSes,
		account.Credentials.HostCOSes,
		account.Credentials.CSesIdx,
		account.UserAgent,
		account.Available,
		account.CredentialExpired,
		nullableTime(account.CredentialExpiredAt),
		nullableTime(account.CooldownUntil),
		account.CooldownReason,
		caps,
		nullableTime(account.LastUsedAt),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("account created", "account_id", account.ID)
	return nil
}

// GetAccount retrieves an account by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := selectColumns + ` FROM accounts WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return account, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	query := selectColumns + ` FROM accounts ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// UpdateAccount overwrites an existing account record.
// Returns ErrNotFound if the account does not exist.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, account *Account) error {
	account.UpdatedAt = time.Now().UTC()

	caps, err := marshalCapabilities(account.Capabilities)
	if err != nil {
		return err
	}

	query := `
		UPDATE accounts SET
			team_id = ?, secure_c_ses = ?, host_c_oses = ?, csesidx = ?,
			user_agent = ?, available = ?, credential_expired = ?,
			credential_expired_at = ?, cooldown_until = ?, cooldown_reason = ?,
			capabilities = ?, last_used_at = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		account.TeamID,
		account.Credentials.SecureCSes,
		account.Credentials.HostCOSes,
		account.Credentials.CSesIdx,
		account.UserAgent,
		account.Available,
		account.CredentialExpired,
		nullableTime(account.CredentialExpiredAt),
		nullableTime(account.CooldownUntil),
		account.CooldownReason,
		caps,
		nullableTime(account.LastUsedAt),
		account.UpdatedAt,
		account.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("account deleted", "account_id", id)
	return nil
}

const selectColumns = `
	SELECT id, team_id, secure_c_ses, host_c_oses, csesidx, user_agent,
		available, credential_expired, credential_expired_at,
		cooldown_until, cooldown_reason, capabilities,
		last_used_at, created_at, updated_at
`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		account  Account
		caps     string
		credExp  sql.NullTime
		cooldown sql.NullTime
		lastUsed sql.NullTime
	)

	err := row.Scan(
		&account.ID,
		&account.TeamID,
		&account.Credentials.SecureCSes,
		&account.Credentials.HostCOSes,
		&account.Credentials.CSesIdx,
		&account.UserAgent,
		&account.Available,
		&account.CredentialExpired,
		&credExp,
		&cooldown,
		&account.CooldownReason,
		&caps,
		&lastUsed,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if credExp.Valid {
		t := credExp.Time.UTC()
		account.CredentialExpiredAt = &t
	}
	if cooldown.Valid {
		t := cooldown.Time.UTC()
		account.CooldownUntil = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		account.LastUsedAt = &t
	}

	account.Capabilities = make(map[string]CapabilityCooldown)
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &account.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities: %w", err)
		}
	}

	return &account, nil
}

func marshalCapabilities(caps map[string]CapabilityCooldown) (string, error) {
	if len(caps) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("encoding capabilities: %w", err)
	}
	return string(data), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation checks for a sqlite unique constraint error without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
