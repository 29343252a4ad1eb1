package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/omochice/matcha-sync/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.EchoWindow != time.Second {
		t.Errorf("EchoWindow = %v, want 1s", cfg.Sync.EchoWindow)
	}
	if cfg.Presence.TypingIdle != 2*time.Second {
		t.Errorf("TypingIdle = %v, want 2s", cfg.Presence.TypingIdle)
	}
	if cfg.Connection.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.Connection.ReconnectAttempts)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchsync.yaml")
	data := `
server:
  socket_url: wss://example.test/socket
connection:
  reconnect_attempts: 2
sync:
  echo_window: 10s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.SocketURL != "wss://example.test/socket" {
		t.Errorf("SocketURL = %q", cfg.Server.SocketURL)
	}
	if cfg.Connection.ReconnectAttempts != 2 {
		t.Errorf("ReconnectAttempts = %d, want 2", cfg.Connection.ReconnectAttempts)
	}
	if cfg.Sync.EchoWindow != 10*time.Second {
		t.Errorf("EchoWindow = %v, want 10s", cfg.Sync.EchoWindow)
	}
	if cfg.Server.APIURL != "http://localhost:5001" {
		t.Errorf("APIURL default lost: %q", cfg.Server.APIURL)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"http socket url", func(c *config.Config) { c.Server.SocketURL = "http://localhost" }},
		{"negative attempts", func(c *config.Config) { c.Connection.ReconnectAttempts = -1 }},
		{"max below initial delay", func(c *config.Config) { c.Connection.ReconnectDelayMax = time.Millisecond }},
		{"zero echo window", func(c *config.Config) { c.Sync.EchoWindow = 0 }},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := config.LogConfig{Level: "warn"}.NewLogger(&buf)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Errorf("missing warn line: %s", buf.String())
	}
}
