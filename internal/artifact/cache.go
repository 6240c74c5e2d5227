package artifact

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"fireforge/pkg/logger"
)

// Cache is the shared download cache, keyed by remote filename with
// mtime-based freshness. Concurrent invocations racing on the same URL are
// harmless: fetches are idempotent and land via atomic rename.
type Cache struct {
	dir    string
	maxAge time.Duration
	client *http.Client
	log    *logger.Logger
}

func NewCache(dir string, maxAge time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		dir:    dir,
		maxAge: maxAge,
		client: &http.Client{Timeout: 30 * time.Minute},
		log:    log.WithField("component", "cache"),
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Fetch downloads rawURL into the cache unless a fresh copy is already
// present, and returns the local path.
func (c *Cache) Fetch(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", fmt.Errorf("url %q has no usable file name", rawURL)
	}
	local := filepath.Join(c.dir, name)

	if st, err := os.Stat(local); err == nil {
		if c.maxAge <= 0 || time.Since(st.ModTime()) < c.maxAge {
			c.log.Debug("cache hit", "file", name)
			return local, nil
		}
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	c.log.Info("downloading", "url", rawURL)
	if err := c.download(rawURL, local); err != nil {
		// a stale copy beats no copy when upstream is unreachable
		if _, statErr := os.Stat(local); statErr == nil {
			c.log.Warn("download failed, using stale cached copy", "file", name, "error", err)
			return local, nil
		}
		return "", err
	}
	return local, nil
}

func (c *Cache) download(rawURL, dest string) error {
	resp, err := c.client.Get(rawURL)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move download into cache: %w", err)
	}
	return nil
}
