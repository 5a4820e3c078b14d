package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 10*time.Second, c.Strategy.Interval)
	assert.Equal(t, 10.0, c.Strategy.Displacement)
	assert.Equal(t, 15, c.Coordinator.PollMinutes)
	assert.Equal(t, []string{"fine_location"}, c.Privilege.Granted)
	assert.Equal(t, 5*time.Second, c.Fused.FreshTimeout)
	assert.Equal(t, 2*time.Second, c.Web.Tunnel.Retry)
	assert.Empty(t, c.Web.TokenHash)
}

func TestFile(t *testing.T) {
	path := write(t, `
log_level: debug
strategy:
  interval: 30s
  periodic: false
privilege:
  tier: r
  granted: [coarse_location, background_location]
coordinator:
  chunk_background: true
  poll_minutes: 30
relay:
  enabled: true
  addr: s1.example.com:6000
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 30*time.Second, c.Strategy.Interval)
	assert.False(t, c.Strategy.Periodic)
	assert.Equal(t, "r", c.Privilege.Tier)
	assert.Equal(t, []string{"coarse_location", "background_location"}, c.Privilege.Granted)
	assert.True(t, c.Coordinator.ChunkBackground)
	assert.Equal(t, 30, c.Coordinator.PollMinutes)
	assert.Equal(t, "s1.example.com:6000", c.Relay.Addr)
}

func TestInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"poll":   "coordinator:\n  poll_minutes: 5\n",
		"level":  "log_level: loud\n",
		"grant":  "privilege:\n  granted: [camera]\n",
		"relay":  "relay:\n  enabled: true\n",
		"tier":   "privilege:\n  tier: s\n",
		"fresh":  "fused:\n  fresh_timeout: 0s\n",
		"tunnel": "web:\n  tunnel:\n    enabled: true\n",
	} {
		_, err := Load(write(t, body))
		assert.Error(t, err, name)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
