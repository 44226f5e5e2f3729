// ABOUTME: Configuration loading and parsing for warren-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Media    MediaConfig    `yaml:"media"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Models   []ModelConfig  `yaml:"models"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the externally reachable URL of this instance, used to build
	// media links. Defaults to http://<http_addr> when empty.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig holds upstream vendor API configuration
type UpstreamConfig struct {
	// BaseURL is the assist API root (session creation, streaming, file APIs)
	BaseURL string `yaml:"base_url"`
	// TokenURL is the cookie-to-bearer token exchange endpoint
	TokenURL string `yaml:"token_url"`
	// Proxy is an optional forward proxy URL for all upstream calls
	Proxy string `yaml:"proxy"`

	RequestTimeout time.Duration `yaml:"-"`
	StreamTimeout  time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
	StreamTimeoutRaw  string `yaml:"stream_timeout"`
}

// PoolConfig holds account pool and cooldown tuning
type PoolConfig struct {
	AuthCooldown      time.Duration `yaml:"-"`
	RateLimitCooldown time.Duration `yaml:"-"`
	GenericCooldown   time.Duration `yaml:"-"`
	TokenTTL          time.Duration `yaml:"-"`
	SessionMaxAge     time.Duration `yaml:"-"`

	AuthCooldownRaw      string `yaml:"auth_cooldown"`
	RateLimitCooldownRaw string `yaml:"rate_limit_cooldown"`
	GenericCooldownRaw   string `yaml:"generic_cooldown"`
	TokenTTLRaw          string `yaml:"token_ttl"`
	SessionMaxAgeRaw     string `yaml:"session_max_age"`

	// SessionMaxUses replaces the session after this many chat turns
	SessionMaxUses int `yaml:"session_max_uses"`
	// QuotaResetUTCOffsetHours locates the daily quota-reset midnight.
	// The upstream resets quotas at midnight Pacific; DST is ignored.
	QuotaResetUTCOffsetHours int `yaml:"quota_reset_utc_offset_hours"`
}

// MediaConfig holds the generated-media cache configuration
type MediaConfig struct {
	Dir string `yaml:"dir"`

	ImageTTL time.Duration `yaml:"-"`
	VideoTTL time.Duration `yaml:"-"`

	ImageTTLRaw string `yaml:"image_ttl"`
	VideoTTLRaw string `yaml:"video_ttl"`
}

// RefreshConfig holds the credential refresh trigger configuration
type RefreshConfig struct {
	Enabled  bool `yaml:"enabled"`
	Headless bool `yaml:"headless"`
	// Command is the external login flow invoked per expired account. It
	// receives the account via environment variables and prints refreshed
	// credentials as JSON on stdout.
	Command string `yaml:"command"`

	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// SyncConfig holds cross-instance credential sync configuration
type SyncConfig struct {
	// SyncOnly marks this instance as a pure receiver: it never runs the
	// refresh trigger, only ingests pushes.
	SyncOnly bool `yaml:"sync_only"`
	// SharedSecret authenticates inbound pushes to this instance
	SharedSecret string `yaml:"shared_secret"`
	Peers        []Peer `yaml:"peers"`
}

// Peer is a remote gateway instance that receives pushed credentials
type Peer struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	// AdminKeyHash is the bcrypt digest of the admin API key
	AdminKeyHash string `yaml:"admin_key_hash"`
	// ClientKeyHashes are bcrypt digests of issued client API keys. When any
	// are present the chat surface requires one as a bearer token; an empty
	// list leaves it open.
	ClientKeyHashes []string `yaml:"client_key_hashes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelConfig describes one model exposed through /v1/models
type ModelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Defaults applied by Load when fields are unset.
const (
	DefaultAuthCooldown      = 15 * time.Minute
	DefaultRateLimitCooldown = 5 * time.Minute
	DefaultGenericCooldown   = 2 * time.Minute
	DefaultTokenTTL          = 4 * time.Minute
	DefaultSessionMaxAge     = 12 * time.Hour
	DefaultSessionMaxUses    = 50
	DefaultRequestTimeout    = 30 * time.Second
	DefaultStreamTimeout     = 5 * time.Minute
	DefaultRefreshInterval   = 30 * time.Minute
	DefaultImageTTL          = 1 * time.Hour
	DefaultVideoTTL          = 6 * time.Hour

	// DefaultQuotaResetUTCOffsetHours is Pacific time as a fixed offset
	DefaultQuotaResetUTCOffsetHours = -8
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued tunables with their defaults.
func (c *Config) applyDefaults() {
	if c.Pool.AuthCooldown == 0 {
		c.Pool.AuthCooldown = DefaultAuthCooldown
	}
	if c.Pool.RateLimitCooldown == 0 {
		c.Pool.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if c.Pool.GenericCooldown == 0 {
		c.Pool.GenericCooldown = DefaultGenericCooldown
	}
	if c.Pool.TokenTTL == 0 {
		c.Pool.TokenTTL = DefaultTokenTTL
	}
	if c.Pool.SessionMaxAge == 0 {
		c.Pool.SessionMaxAge = DefaultSessionMaxAge
	}
	if c.Pool.SessionMaxUses == 0 {
		c.Pool.SessionMaxUses = DefaultSessionMaxUses
	}
	if c.Pool.QuotaResetUTCOffsetHours == 0 {
		c.Pool.QuotaResetUTCOffsetHours = DefaultQuotaResetUTCOffsetHours
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Upstream.StreamTimeout == 0 {
		c.Upstream.StreamTimeout = DefaultStreamTimeout
	}
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = DefaultRefreshInterval
	}
	if c.Media.ImageTTL == 0 {
		c.Media.ImageTTL = DefaultImageTTL
	}
	if c.Media.VideoTTL == 0 {
		c.Media.VideoTTL = DefaultVideoTTL
	}
	if c.Server.BaseURL == "" && c.Server.HTTPAddr != "" {
		c.Server.BaseURL = "http://" + c.Server.HTTPAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.TokenURL == "" {
		return fmt.Errorf("upstream.token_url is required")
	}
	if len(c.Sync.Peers) > 0 || c.Sync.SyncOnly {
		if c.Sync.SharedSecret == "" {
			return fmt.Errorf("sync.shared_secret is required when sync is configured")
		}
	}
	for i, p := range c.Sync.Peers {
		if p.URL == "" {
			return fmt.Errorf("sync.peers[%d].url is required", i)
		}
		if p.Secret == "" {
			return fmt.Errorf("sync.peers[%d].secret is required", i)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Pool.AuthCooldownRaw, "pool.auth_cooldown", &cfg.Pool.AuthCooldown},
		{cfg.Pool.RateLimitCooldownRaw, "pool.rate_limit_cooldown", &cfg.Pool.RateLimitCooldown},
		{cfg.Pool.GenericCooldownRaw, "pool.generic_cooldown", &cfg.Pool.GenericCooldown},
		{cfg.Pool.TokenTTLRaw, "pool.token_ttl", &cfg.Pool.TokenTTL},
		{cfg.Pool.SessionMaxAgeRaw, "pool.session_max_age", &cfg.Pool.SessionMaxAge},
		{cfg.Upstream.RequestTimeoutRaw, "upstream.request_timeout", &cfg.Upstream.RequestTimeout},
		{cfg.Upstream.StreamTimeoutRaw, "upstream.stream_timeout", &cfg.Upstream.StreamTimeout},
		{cfg.Refresh.IntervalRaw, "refresh.interval", &cfg.Refresh.Interval},
		{cfg.Media.ImageTTLRaw, "media.image_ttl", &cfg.Media.ImageTTL},
		{cfg.Media.VideoTTLRaw, "media.video_ttl", &cfg.Media.VideoTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
