package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROVERLINK_DIR", "")
	t.Setenv("ROVERLINK_KEEPALIVE_MS", "")
	t.Setenv("NATS_URL", "")

	cfg := Load()
	assert.Equal(t, 15*time.Second, cfg.ScanWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.KeepAliveInterval)
	assert.Equal(t, 6*time.Second, cfg.TransferTimeout)
	assert.Equal(t, "ROVER", cfg.DevicePrefix)
	assert.Empty(t, cfg.NATSURL)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROVERLINK_DIR", dir)
	t.Setenv("ROVERLINK_KEEPALIVE_MS", "80")
	t.Setenv("ROVERLINK_SCAN_SECONDS", "not-a-number")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg := Load()
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 80*time.Millisecond, cfg.KeepAliveInterval)
	assert.Equal(t, 15*time.Second, cfg.ScanWindow, "invalid ints fall back to the default")
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)

	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, filepath.Join(dir, "gallery"))
}
