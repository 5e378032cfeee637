package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "224.0.0.3", cfg.MulticastIP)
	assert.Equal(t, 4000, cfg.MulticastPort)
	assert.Equal(t, 3600*time.Second, cfg.CacheTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mccache.toml")
	contents := `
[tool.mccache]
cache_max = 42
multicast_ip = "224.1.1.1"
packet_pace = 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.CacheMax)
	assert.Equal(t, "224.1.1.1", cfg.MulticastIP)
	// Unspecified fields must retain defaults, not zero out.
	assert.Equal(t, 4000, cfg.MulticastPort, "default multicast_port should survive a partial file")
	assert.Equal(t, 250*time.Millisecond, cfg.PacketPace)
}

func TestEnvOverlayWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mccache.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tool.mccache]\ncache_max = 10\n"), 0o644))

	t.Setenv("MCCACHE_CACHE_MAX", "99")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.CacheMax, "environment must win over the file")
}

func TestEnvOverlayWinsOverFileForDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mccache.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tool.mccache]\ncache_ttl = 10\n"), 0o644))

	t.Setenv("MCCACHE_CACHE_TTL", "7200")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7200*time.Second, cfg.CacheTTL, "environment must win over the file for duration fields too")
}

func TestValidateRejectsBadMulticastAddress(t *testing.T) {
	cfg := Default()
	cfg.MulticastIP = "10.0.0.1" // not a multicast address
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUndersizedMTU(t *testing.T) {
	cfg := Default()
	cfg.PacketMTU = 10
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeTantrum(t *testing.T) {
	cfg := Default()
	cfg.MonkeyTantrum = 100
	assert.Error(t, cfg.Validate())
}
