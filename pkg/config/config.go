package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Build   BuildConfig   `yaml:"build"`
	VM      VMConfig      `yaml:"vm"`
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig controls the shared artifact download cache.
type CacheConfig struct {
	Dir    string        `yaml:"dir"`
	MaxAge time.Duration `yaml:"maxAge"`
}

// BuildConfig holds image build defaults and formatter tool paths.
type BuildConfig struct {
	DefaultFilesystem string                  `yaml:"defaultFilesystem"`
	DefaultMaxSizeMiB int                     `yaml:"defaultMaxSizeMiB"`
	Mke2fs            string                  `yaml:"mke2fs"`
	MkfsBtrfs         string                  `yaml:"mkfsBtrfs"`
	Distributions     map[string]Distribution `yaml:"distributions"`
}

// Distribution describes a named upstream base image source.
type Distribution struct {
	URL          string   `yaml:"url"`
	SignatureURL string   `yaml:"signatureUrl"`
	Keys         []string `yaml:"keys"`
}

// VMConfig holds defaults for launching built images under the jailer.
type VMConfig struct {
	ChrootBaseDir string `yaml:"chrootBaseDir"`
	User          string `yaml:"user"`
	Firecracker   string `yaml:"firecracker"`
	Jailer        string `yaml:"jailer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SupportedFilesystems lists the filesystem types the formatter can produce.
var SupportedFilesystems = []string{"ext2", "ext3", "ext4", "btrfs"}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Dir:    defaultCacheDir(),
			MaxAge: 24 * time.Hour,
		},
		Build: BuildConfig{
			DefaultFilesystem: "ext2",
			DefaultMaxSizeMiB: 128,
			Mke2fs:            "mke2fs",
			MkfsBtrfs:         "mkfs.btrfs",
			Distributions: map[string]Distribution{
				"archlinux": {
					URL:          "https://geo.mirror.pkgbuild.com/iso/latest/archlinux-bootstrap-x86_64.tar.zst",
					SignatureURL: "https://geo.mirror.pkgbuild.com/iso/latest/archlinux-bootstrap-x86_64.tar.zst.sig",
				},
				"alpine": {
					URL: "https://dl-cdn.alpinelinux.org/alpine/latest-stable/releases/x86_64/alpine-minirootfs-3.21.0-x86_64.tar.gz",
				},
			},
		},
		VM: VMConfig{
			ChrootBaseDir: "chroot",
			User:          "firecracker",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

func defaultCacheDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "fireforge")
	}
	return filepath.Join(os.TempDir(), "fireforge-cache")
}

// Load builds the effective configuration: defaults, then the first config
// file found, then FIREFORGE_* environment variables, then validation. The
// returned string names the config source for logging.
func Load() (*Config, string, error) {
	cfg := Default()

	source, err := loadFromFile(&cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	loadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, source, nil
}

func loadFromFile(cfg *Config) (string, error) {
	paths := []string{
		os.Getenv("FIREFORGE_CONFIG_PATH"),
		"./fireforge.yaml",
		"/etc/fireforge/config.yaml",
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return path, nil
	}

	return "built-in defaults (no config file found)", nil
}

func loadFromEnv(cfg *Config) {
	if val := os.Getenv("FIREFORGE_CACHE_DIR"); val != "" {
		cfg.Cache.Dir = val
	}
	if val := os.Getenv("FIREFORGE_CACHE_MAX_AGE"); val != "" {
		if age, err := time.ParseDuration(val); err == nil {
			cfg.Cache.MaxAge = age
		}
	}
	if val := os.Getenv("FIREFORGE_FILESYSTEM"); val != "" {
		cfg.Build.DefaultFilesystem = val
	}
	if val := os.Getenv("FIREFORGE_MAX_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.Build.DefaultMaxSizeMiB = size
		}
	}
	if val := os.Getenv("FIREFORGE_VM_USER"); val != "" {
		cfg.VM.User = val
	}
	if val := os.Getenv("FIREFORGE_CHROOT_BASE_DIR"); val != "" {
		cfg.VM.ChrootBaseDir = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must not be empty")
	}
	if c.Cache.MaxAge < 0 {
		return fmt.Errorf("cache.maxAge must not be negative")
	}
	if !isSupportedFilesystem(c.Build.DefaultFilesystem) {
		return fmt.Errorf("build.defaultFilesystem %q is not one of %v",
			c.Build.DefaultFilesystem, SupportedFilesystems)
	}
	if c.Build.DefaultMaxSizeMiB <= 0 {
		return fmt.Errorf("build.defaultMaxSizeMiB must be positive, got %d", c.Build.DefaultMaxSizeMiB)
	}
	for name, dist := range c.Build.Distributions {
		if dist.URL == "" {
			return fmt.Errorf("distribution %q has no url", name)
		}
	}
	if c.VM.User == "" {
		return fmt.Errorf("vm.user must not be empty")
	}
	return nil
}

func isSupportedFilesystem(name string) bool {
	for _, fs := range SupportedFilesystems {
		if fs == name {
			return true
		}
	}
	return false
}
