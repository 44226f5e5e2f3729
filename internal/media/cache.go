// ABOUTME: File-backed cache for generated media with TTL expiry
// ABOUTME: Materializes bytes to disk, serves them over HTTP, sweeps stale files

package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds cache directories, TTLs, and the externally visible base URL.
type Config struct {
	ImageDir string
	VideoDir string
	// BaseURL prefixes returned media URLs, e.g. "http://gw.example:8000".
	BaseURL  string
	ImageTTL time.Duration
	VideoTTL time.Duration
}

// FileCache stores generated media under per-kind directories. Filenames are
// uuid fragments, so entries never collide and URLs are unguessable enough
// for a cache that expires within hours.
type FileCache struct {
	cfg    Config
	logger *slog.Logger
}

// extByMime maps the content types the vendor emits to file extensions.
var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// NewFileCache creates the cache directories and returns a ready cache.
func NewFileCache(cfg Config, logger *slog.Logger) (*FileCache, error) {
	if cfg.ImageTTL == 0 {
		cfg.ImageTTL = time.Hour
	}
	if cfg.VideoTTL == 0 {
		cfg.VideoTTL = 6 * time.Hour
	}
	for _, dir := range []string{cfg.ImageDir, cfg.VideoDir} {
		if dir == "" {
			return nil, fmt.Errorf("media cache directory not configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating media cache dir %s: %w", dir, err)
		}
	}
	return &FileCache{
		cfg:    cfg,
		logger: logger.With("component", "media"),
	}, nil
}

// Materialize writes media bytes to the cache and returns the URL clients
// fetch them from. Videos and images live in separate directories with
// separate TTLs.
func (c *FileCache) Materialize(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}

	kind := "image"
	dir := c.cfg.ImageDir
	if strings.HasPrefix(contentType, "video/") {
		kind = "video"
		dir = c.cfg.VideoDir
	}

	ext, ok := extByMime[contentType]
	if !ok {
		if kind == "video" {
			ext = ".mp4"
		} else {
			ext = ".png"
		}
	}
	name := strings.ReplaceAll(uuid.NewString(), "-", "")[:16] + ext

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing media file: %w", err)
	}

	c.logger.Debug("media materialized", "kind", kind, "file", name, "bytes", len(data))
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), kind, name), nil
}

// ImageHandler serves cached images by filename.
func (c *FileCache) ImageHandler() http.Handler {
	return serveDir(c.cfg.ImageDir)
}

// VideoHandler serves cached videos by filename.
func (c *FileCache) VideoHandler() http.Handler {
	return serveDir(c.cfg.VideoDir)
}

// serveDir serves the trailing path element from dir. Base() strips any
// traversal components before the name touches the filesystem.
func serveDir(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(strings.TrimSuffix(r.URL.Path, "/"))
		if name == "." || name == "/" {
			http.NotFound(w, r)
			return
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, path)
	})
}

// Sweep runs the TTL expiry loop until ctx is cancelled.
func (c *FileCache) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepOnce(time.Now())
		}
	}
}

// SweepOnce removes files whose age exceeds their kind's TTL as of now.
func (c *FileCache) SweepOnce(now time.Time) {
	c.sweepDir(c.cfg.ImageDir, c.cfg.ImageTTL, now)
	c.sweepDir(c.cfg.VideoDir, c.cfg.VideoTTL, now)
}

func (c *FileCache) sweepDir(dir string, ttl time.Duration, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Warn("sweeping media dir failed", "dir", dir, "error", err)
		return
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= ttl {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				c.logger.Warn("removing expired media failed", "file", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("expired media removed", "dir", dir, "count", removed)
	}
}
