// ABOUTME: Entry point for the warren-gateway server
// ABOUTME: Wires config, store, pool, upstream, media, refresh, and sync together

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/warren-gateway/internal/auth"
	"github.com/2389/warren-gateway/internal/config"
	"github.com/2389/warren-gateway/internal/gateway"
	"github.com/2389/warren-gateway/internal/media"
	"github.com/2389/warren-gateway/internal/pool"
	"github.com/2389/warren-gateway/internal/refresh"
	"github.com/2389/warren-gateway/internal/store"
	"github.com/2389/warren-gateway/internal/stream"
	syncx "github.com/2389/warren-gateway/internal/sync"
	"github.com/2389/warren-gateway/internal/upstream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
__      ____ _ _ __ _ __ ___ _ __
\ \ /\ / / _' | '__| '__/ _ \ '_ \
 \ V  V / (_| | |  | | |  __/ | | |
  \_/\_/ \__,_|_|  |_|  \___|_| |_|
            gateway
`

const mediaSweepInterval = 10 * time.Minute

// getConfigPath returns the path to the gateway config file.
// Priority: WARREN_CONFIG env var > XDG_CONFIG_HOME/warren/gateway.yaml > ~/.config/warren/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARREN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warren", "gateway.yaml")
}

// getDataPath returns the path to the warren data directory.
// Priority: XDG_DATA_HOME/warren > ~/.local/share/warren
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "warren")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warren-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the gateway server")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  hash-key   Hash an admin API key for the config file")
		fmt.Println("  health     Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "hash-key":
		err = runHashKey()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		DownloadURL:    cfg.Upstream.BaseURL,
		TokenURL:       cfg.Upstream.TokenURL,
		ProxyURL:       cfg.Upstream.Proxy,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		StreamTimeout:  cfg.Upstream.StreamTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating upstream client: %w", err)
	}

	p, err := pool.New(ctx, st, client, pool.Config{
		AuthCooldown:      cfg.Pool.AuthCooldown,
		RateLimitCooldown: cfg.Pool.RateLimitCooldown,
		GenericCooldown:   cfg.Pool.GenericCooldown,
		TokenTTL:          cfg.Pool.TokenTTL,
		SessionMaxAge:     cfg.Pool.SessionMaxAge,
		SessionMaxUses:    cfg.Pool.SessionMaxUses,
		QuotaResetZone:    time.FixedZone("quota-reset", cfg.Pool.QuotaResetUTCOffsetHours*60*60),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating account pool: %w", err)
	}

	mediaDir := cfg.Media.Dir
	if mediaDir == "" {
		mediaDir = filepath.Join(getDataPath(), "media")
	}
	cache, err := media.NewFileCache(media.Config{
		ImageDir: filepath.Join(mediaDir, "image"),
		VideoDir: filepath.Join(mediaDir, "video"),
		BaseURL:  cfg.Server.BaseURL,
		ImageTTL: cfg.Media.ImageTTL,
		VideoTTL: cfg.Media.VideoTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating media cache: %w", err)
	}
	go cache.Sweep(ctx, mediaSweepInterval)

	ingest := syncx.NewIngest(cfg.Sync.SharedSecret, p, logger)

	// The refresh trigger and pusher run only on instances that own the
	// login flow; sync-only instances just ingest pushes.
	if cfg.Refresh.Enabled && !cfg.Sync.SyncOnly {
		refresher := refresh.NewCommandRefresher(cfg.Refresh.Command, cfg.Refresh.Headless, logger)
		trigger := refresh.New(p, refresher, cfg.Refresh.Interval, logger)
		p.SetWake(trigger.Wake)
		go trigger.Run(ctx)

		if len(cfg.Sync.Peers) > 0 {
			peers := make([]syncx.Peer, 0, len(cfg.Sync.Peers))
			for _, peer := range cfg.Sync.Peers {
				peers = append(peers, syncx.Peer{URL: peer.URL, Secret: peer.Secret})
			}
			pusher := syncx.NewPusher(peers, instanceID(), 0, logger)
			go pusher.Run(ctx, trigger.Results())
		}
	}

	printStartupInfo(configPath, cfg, p, mediaDir)

	logger.Info("starting warren-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"sync_only", cfg.Sync.SyncOnly,
	)

	gw := gateway.New(cfg, gateway.Deps{
		Pool:       p,
		Upstream:   client,
		Translator: stream.NewTranslator(cache, client, logger),
		Media:      cache,
		Ingest:     ingest,
	}, logger)

	return gw.Run(ctx)
}

// instanceID identifies this instance in sync push tokens.
func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func printStartupInfo(configPath string, cfg *config.Config, p *pool.Pool, mediaDir string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Base URL:  %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Media:     %s\n", mediaDir)

	total, available := p.Counts(pool.CapabilityText)
	green.Print("    ▶ ")
	fmt.Printf("Accounts:  %d total, %d available\n", total, available)

	green.Print("    ▶ ")
	fmt.Print("Models:    ")
	if len(cfg.Models) == 0 {
		cyan.Println("gemini-enterprise")
	} else {
		ids := make([]string, 0, len(cfg.Models))
		for _, m := range cfg.Models {
			ids = append(ids, m.ID)
		}
		cyan.Println(strings.Join(ids, ", "))
	}

	if cfg.Sync.SyncOnly {
		green.Print("    ▶ ")
		fmt.Print("Mode:      ")
		yellow.Println("sync-only (no refresh trigger)")
	} else if len(cfg.Sync.Peers) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Peers:     %d\n", len(cfg.Sync.Peers))
	}

	fmt.Println()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runHashKey hashes an API key for the auth.admin_key_hash or
// auth.client_key_hashes config fields. The key is taken from the command
// line or prompted for.
func runHashKey() error {
	var key string
	if len(os.Args) > 2 {
		key = os.Args[2]
	} else {
		reader := bufio.NewReader(os.Stdin)
		key = prompt(reader, "API key", "")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}

	fmt.Println(hash)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("warren-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")
	defaultMediaDir := filepath.Join(defaultDataPath, "media")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8000")
	baseURL := prompt(reader, "Externally reachable base URL", "http://"+httpAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Upstream Configuration ---")
	upstreamBase := prompt(reader, "Assist API base URL",
		"https://biz-discoveryengine.googleapis.com/v1alpha/locations/global")
	tokenURL := prompt(reader, "Token exchange URL",
		"https://business.gemini.google/auth/getoxsrf")
	proxy := prompt(reader, "Forward proxy URL (empty for none)", "")

	fmt.Println("\n--- Media Configuration ---")
	mediaDir := prompt(reader, "Generated media directory", defaultMediaDir)

	fmt.Println("\n--- Credential Refresh ---")
	refreshEnabled := prompt(reader, "Enable the refresh trigger?", "no")
	enabled := strings.ToLower(refreshEnabled) == "yes" || strings.ToLower(refreshEnabled) == "y"
	var refreshCommand string
	if enabled {
		refreshCommand = prompt(reader, "Refresh command (prints credential JSON)", "")
	}

	fmt.Println("\n--- API Keys ---")
	adminKey := prompt(reader, "Admin API key (empty disables the admin API)", "")
	var adminHash string
	if adminKey != "" {
		var err error
		adminHash, err = auth.HashKey(adminKey)
		if err != nil {
			return fmt.Errorf("hashing admin key: %w", err)
		}
	}
	clientKey := prompt(reader, "Client API key (empty leaves the chat API open)", "")
	var clientHash string
	if clientKey != "" {
		var err error
		clientHash, err = auth.HashKey(clientKey)
		if err != nil {
			return fmt.Errorf("hashing client key: %w", err)
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# warren-gateway configuration\n")
	cfg.WriteString("# Generated by warren-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("upstream:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n", upstreamBase))
	cfg.WriteString(fmt.Sprintf("  token_url: %q\n", tokenURL))
	if proxy != "" {
		cfg.WriteString(fmt.Sprintf("  proxy: %q\n", proxy))
	}
	cfg.WriteString("\n")

	cfg.WriteString("media:\n")
	cfg.WriteString(fmt.Sprintf("  dir: %q\n", mediaDir))
	cfg.WriteString("\n")

	cfg.WriteString("refresh:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", enabled))
	if refreshCommand != "" {
		cfg.WriteString("  headless: true\n")
		cfg.WriteString(fmt.Sprintf("  command: %q\n", refreshCommand))
	}
	cfg.WriteString("\n")

	if adminHash != "" || clientHash != "" {
		cfg.WriteString("auth:\n")
		if adminHash != "" {
			cfg.WriteString(fmt.Sprintf("  admin_key_hash: %q\n", adminHash))
		}
		if clientHash != "" {
			cfg.WriteString("  client_key_hashes:\n")
			cfg.WriteString(fmt.Sprintf("    - %q\n", clientHash))
		}
		cfg.WriteString("\n")
	}

	cfg.WriteString("models:\n")
	cfg.WriteString("  - id: gemini-enterprise\n")
	cfg.WriteString("    name: Gemini Enterprise\n")
	cfg.WriteString("  - id: gemini-image\n")
	cfg.WriteString("    name: Gemini Image\n")
	cfg.WriteString("  - id: gemini-video\n")
	cfg.WriteString("    name: Gemini Video\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Created config: %s\n", outputFile)
	fmt.Println("\nAdd accounts through the admin API, then start the server with:")
	fmt.Println("  warren-gateway serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
