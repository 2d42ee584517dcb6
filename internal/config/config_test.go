package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCfg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeCfg(t, "identity:\n  user_id: u1\n  partner_id: u2\n"))
	require.NoError(t, err)

	assert.Equal(t, "u1", cfg.Identity.UserID)
	assert.Equal(t, "ws://localhost:4000/ws", cfg.Server.SocketURL)
	assert.Equal(t, "http://localhost:4000/api", cfg.Server.APIBaseURL)
	assert.Equal(t, 15*time.Second, cfg.Server.APITimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.STUNServers)
	assert.Equal(t, time.Second, cfg.TypingDelay())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeCfg(t, `
identity:
  user_id: u1
  partner_id: u2
  first_name: Ann
server:
  socket_url: wss://chat.example.org/ws
  api_base_url: https://chat.example.org/api
call:
  stun_servers:
    - "stun:stun.example.org:3478"
    - "turn:turn.example.org:3478"
typing:
  stop_delay_ms: 250
`))
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.org/ws", cfg.Server.SocketURL)
	assert.Len(t, cfg.Call.STUNServers, 2)
	assert.Equal(t, 250*time.Millisecond, cfg.TypingDelay())
	assert.Equal(t, "Ann", cfg.Identity.FirstName)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"same ids", func(c *Config) { c.Identity.UserID = "x"; c.Identity.PartnerID = "x" }},
		{"bad socket scheme", func(c *Config) { c.Server.SocketURL = "http://example.org/ws" }},
		{"empty socket", func(c *Config) { c.Server.SocketURL = " " }},
		{"bad api scheme", func(c *Config) { c.Server.APIBaseURL = "ftp://example.org" }},
		{"zero timeout", func(c *Config) { c.Server.APITimeout = 0 }},
		{"no stun servers", func(c *Config) { c.Call.STUNServers = nil }},
		{"bad stun url", func(c *Config) { c.Call.STUNServers = []string{"https://x"} }},
		{"zero typing delay", func(c *Config) { c.Typing.StopDelayMS = 0 }},
		{"zero recorder cap", func(c *Config) { c.Recorder.MaxSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
