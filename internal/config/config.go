// Package config loads client settings from YAML.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Sync       SyncConfig       `yaml:"sync"`
	Presence   PresenceConfig   `yaml:"presence"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	// APIURL is the base URL of the REST API, e.g. http://localhost:5001.
	APIURL string `yaml:"api_url"`
	// SocketURL is the push channel endpoint, e.g. ws://localhost:5001/socket.
	SocketURL      string        `yaml:"socket_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ConnectionConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	// OutboundBuffer bounds frames queued for the writer before new ones are dropped.
	OutboundBuffer int `yaml:"outbound_buffer"`
}

type SyncConfig struct {
	// EchoWindow is how close in time a live message without an id must be to an
	// existing one with the same sender and body to be treated as its echo.
	EchoWindow time.Duration `yaml:"echo_window"`
}

type PresenceConfig struct {
	TypingIdle      time.Duration `yaml:"typing_idle"`
	RemoteTypingTTL time.Duration `yaml:"remote_typing_ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Pretty selects the human readable console writer instead of JSON lines.
	Pretty bool `yaml:"pretty"`
}

// Default returns the configuration used when no file overrides a key.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIURL:         "http://localhost:5001",
			SocketURL:      "ws://localhost:5001/socket",
			RequestTimeout: 10 * time.Second,
		},
		Connection: ConnectionConfig{
			DialTimeout:       10 * time.Second,
			ReconnectAttempts: 5,
			ReconnectDelay:    time.Second,
			ReconnectDelayMax: 5 * time.Second,
			OutboundBuffer:    64,
		},
		Sync: SyncConfig{
			EchoWindow: time.Second,
		},
		Presence: PresenceConfig{
			TypingIdle:      2 * time.Second,
			RemoteTypingTTL: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open config")
	}
	defer f.Close()
	if err := cfg.Decode(f); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Decode overlays YAML from r onto cfg.
func (c *Config) Decode(r io.Reader) error {
	if err := yaml.NewDecoder(r).Decode(c); err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to parse config")
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.APIURL == "":
		return errors.New("server.api_url is required")
	case !strings.HasPrefix(c.Server.SocketURL, "ws://") && !strings.HasPrefix(c.Server.SocketURL, "wss://"):
		return errors.Errorf("server.socket_url must be a ws:// or wss:// URL, got %q", c.Server.SocketURL)
	case c.Connection.ReconnectAttempts < 0:
		return errors.New("connection.reconnect_attempts must not be negative")
	case c.Connection.ReconnectDelay <= 0 || c.Connection.ReconnectDelayMax < c.Connection.ReconnectDelay:
		return errors.New("connection.reconnect_delay must be positive and not exceed reconnect_delay_max")
	case c.Connection.OutboundBuffer <= 0:
		return errors.New("connection.outbound_buffer must be positive")
	case c.Sync.EchoWindow <= 0:
		return errors.New("sync.echo_window must be positive")
	case c.Presence.TypingIdle <= 0:
		return errors.New("presence.typing_idle must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level")
	}
	return nil
}

// NewLogger builds the root logger described by c.
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
