// Package connection owns the single push channel of a session: its
// lifecycle, bounded reconnection, room membership and event dispatch.
package connection

import (
	"context"
	"time"

	"github.com/omochice/matcha-sync/internal/config"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
)

var (
	// ErrUnavailable is reported once reconnect attempts are exhausted.
	ErrUnavailable = errors.New("push channel unavailable")

	// ErrClosed is reported to connect waiters when the connection is torn down.
	ErrClosed = errors.New("connection closed")
)

// Conn abstracts one live bidirectional channel.
type Conn interface {
	// Read reads a single frame. Returns an error once the channel is gone.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the channel.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn authenticated by an identity. It returns an error
// wrapping protocol.ErrUnauthorized when the identity is rejected.
type Dialer interface {
	Dial(ctx context.Context, id protocol.Identity) (Conn, error)
}

// State is the lifecycle state of the connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Options tunes dialing and reconnection.
type Options struct {
	DialTimeout       time.Duration
	AckTimeout        time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	OutboundBuffer    int
}

// OptionsFromConfig maps the connection section of the config file.
func OptionsFromConfig(c config.ConnectionConfig) Options {
	return Options{
		DialTimeout:       c.DialTimeout,
		AckTimeout:        c.DialTimeout,
		WriteTimeout:      5 * time.Second,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectDelayMax: c.ReconnectDelayMax,
		OutboundBuffer:    c.OutboundBuffer,
	}
}
