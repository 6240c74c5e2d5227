package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "ext2", cfg.Build.DefaultFilesystem)
	assert.Equal(t, 128, cfg.Build.DefaultMaxSizeMiB)
	assert.Equal(t, 24*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, "firecracker", cfg.VM.User)
	assert.Contains(t, cfg.Build.Distributions, "archlinux")
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
cache:
  dir: /var/cache/fireforge
  maxAge: 1h
build:
  defaultFilesystem: ext4
  defaultMaxSizeMiB: 256
  distributions:
    custom:
      url: https://example.com/rootfs.tar.zst
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("FIREFORGE_CONFIG_PATH", path)

	cfg, source, err := Load()
	require.NoError(t, err)

	assert.Equal(t, path, source)
	assert.Equal(t, "/var/cache/fireforge", cfg.Cache.Dir)
	assert.Equal(t, time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, "ext4", cfg.Build.DefaultFilesystem)
	assert.Equal(t, 256, cfg.Build.DefaultMaxSizeMiB)
	// file merges over defaults, it does not replace them
	assert.Contains(t, cfg.Build.Distributions, "custom")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("build:\n  defaultFilesystem: ext3\n"), 0644))
	t.Setenv("FIREFORGE_CONFIG_PATH", path)
	t.Setenv("FIREFORGE_FILESYSTEM", "btrfs")
	t.Setenv("FIREFORGE_CACHE_DIR", filepath.Join(dir, "cache"))

	cfg, _, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "btrfs", cfg.Build.DefaultFilesystem)
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.Cache.Dir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Build.DefaultFilesystem = "vfat"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Build.DefaultMaxSizeMiB = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Cache.Dir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Build.Distributions["broken"] = Distribution{}
	assert.Error(t, cfg.Validate())
}
