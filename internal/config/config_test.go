package config

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "tether.toml", `
[server]
addr = ":9090"
allowed_origins = ["https://chat.example"]
ping_interval = "5s"
reconnect_window = "-1s"

[server.rate_limit]
enabled = false

[client]
url = "ws://chat.example/ws"
max_reconnect_attempts = 6

[client.backoff]
initial_delay = "100ms"

[log]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path, "unset keys keep defaults")
	assert.Equal(t, Duration(5*time.Second), cfg.Server.PingInterval)
	assert.Equal(t, Duration(-time.Second), cfg.Server.ReconnectWindow)
	assert.False(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, "ws://chat.example/ws", cfg.Client.URL)
	assert.Equal(t, 6, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.Client.Backoff.InitialDelay)
	assert.Equal(t, 2.0, cfg.Client.Backoff.Multiplier)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "tether.yaml", `
server:
  addr: "127.0.0.1:7000"
  handshake_timeout: 3s
  rate_limit:
    messages_per_second: 10
    burst: 20
client:
  ping_interval: -1s
log:
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, Duration(3*time.Second), cfg.Server.HandshakeTimeout)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 10.0, cfg.Server.RateLimit.MessagesPerSecond)
	assert.Equal(t, 20, cfg.Server.RateLimit.Burst)
	assert.Equal(t, Duration(-time.Second), cfg.Client.PingInterval)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadEmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown toml key", "bad.toml", "[server]\nport = 80\n"},
		{"unknown yaml key", "bad.yaml", "server:\n  port: 80\n"},
		{"bad duration", "bad.toml", "[server]\nping_interval = \"soon\"\n"},
		{"negative grace", "bad.toml", "[server]\ndisconnect_grace = \"-1s\"\n"},
		{"empty addr", "bad.yaml", "server:\n  addr: \"\"\n"},
		{"bad path", "bad.yaml", "server:\n  path: ws\n"},
		{"bad rate limit", "bad.toml", "[server.rate_limit]\nburst = 0\n"},
		{"bad level", "bad.toml", "[log]\nlevel = \"loud\"\n"},
		{"bad multiplier", "bad.yaml", "client:\n  backoff:\n    multiplier: 0.5\n"},
		{"unsupported extension", "tether.json", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestToServer(t *testing.T) {
	cfg := Default()
	cfg.Server.AllowedOrigins = []string{"https://chat.example"}
	logger := zerolog.Nop()

	sc := cfg.ToServer(&logger)

	assert.Equal(t, ":8080", sc.Addr)
	assert.True(t, sc.RateLimitConfig.Enabled)
	assert.Equal(t, 200, sc.RateLimitConfig.Burst)
	assert.Equal(t, 10*time.Second, sc.PingInterval)
	assert.Equal(t, 60*time.Second, sc.ReconnectWindow)
	assert.Same(t, &logger, sc.Logger)
	require.NotNil(t, sc.CheckOrigin)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://CHAT.example")
	assert.True(t, sc.CheckOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, sc.CheckOrigin(r))

	cfg.Server.RateLimit.Enabled = false
	assert.False(t, cfg.ToServer(nil).RateLimitConfig.Enabled)
}

func TestCheckOrigin(t *testing.T) {
	assert.Nil(t, checkOrigin(nil))

	allowAll := checkOrigin([]string{"https://a.example", "*"})
	require.NotNil(t, allowAll)
	assert.True(t, allowAll(httptest.NewRequest("GET", "/ws", nil)))
}

func TestToClient(t *testing.T) {
	cc := Default().ToClient(nil)

	assert.Equal(t, 10*time.Second, cc.PingInterval)
	assert.Equal(t, 50*time.Millisecond, cc.DisconnectGrace)
	assert.Equal(t, 4, cc.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cc.Backoff.InitialDelay)
	assert.Equal(t, 5*time.Second, cc.Backoff.MaxDelay)
	assert.True(t, cc.Backoff.Jitter)
}

func TestToLogging(t *testing.T) {
	t.Setenv("TETHER_LOG_LEVEL", "")
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", NoColor: true}

	lc := cfg.ToLogging()

	assert.Equal(t, zerolog.WarnLevel, lc.Level)
	assert.True(t, lc.NoColor)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, Duration(90*time.Second), d)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("later")))
}
