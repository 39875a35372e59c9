package session

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/tether/internal/heartbeat"
	"github.com/luciancaetano/tether/internal/transport"
)

// Protocol timing defaults.
const (
	DefaultPingInterval         = heartbeat.DefaultInterval
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultServerGrace          = 100 * time.Millisecond
	DefaultClientGrace          = 50 * time.Millisecond
	DefaultMaxReconnectAttempts = 4

	// sendTimeout bounds protocol sends issued from inside the session.
	sendTimeout = time.Second
)

// State is the position of a session in the connection state machine.
type State int32

const (
	// StateConnecting waits for the identity handshake on a new transport.
	StateConnecting State = iota
	// StateConnected has completed the handshake on its current transport.
	StateConnected
	// StateDetached is a server session whose transport dropped; it keeps
	// its identity until the client reconnects.
	StateDetached
	// StateReconnecting is a client dialing a replacement transport.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDetached:
		return "detached"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a server-side session.
type Config struct {
	// PingInterval is the heartbeat interval. DefaultPingInterval when zero.
	PingInterval time.Duration
	// HandshakeTimeout closes a new transport that does not answer the
	// connect request in time. DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration
	// DisconnectGrace is how long a disconnecting session waits for the
	// client to close before closing the transport itself.
	// DefaultServerGrace when zero.
	DisconnectGrace time.Duration
	// ReconnectWindow closes a session whose transport dropped if the
	// client has not reconnected in time. Zero waits indefinitely.
	ReconnectWindow time.Duration
	Logger          *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultServerGrace
	}
	return c
}

// BackoffConfig defines the delay before each reconnect attempt. The zero
// value reconnects immediately.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay returns the delay before attempt n (1-based).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter && rng != nil {
		delay = delay * (0.5 + rng.Float64())
	}
	return time.Duration(delay)
}

// DialFunc opens a transport to url.
type DialFunc func(ctx context.Context, url string) (transport.Transport, error)

// ClientConfig configures a Client.
type ClientConfig struct {
	// PingInterval is the client heartbeat interval. DefaultPingInterval
	// when zero; negative disables the client heartbeat.
	PingInterval time.Duration
	// DisconnectGrace is how long Disconnect waits before closing the
	// transport. DefaultClientGrace when zero.
	DisconnectGrace time.Duration
	// MaxReconnectAttempts bounds consecutive reconnects without a
	// completed handshake. DefaultMaxReconnectAttempts when zero.
	MaxReconnectAttempts int
	Backoff              BackoffConfig

	// Header is sent with every WebSocket upgrade request.
	Header http.Header
	// RateLimitConfig limits frames from the server. Nil disables it.
	RateLimitConfig *transport.RateLimitConfig
	// Dial replaces the WebSocket dialer.
	Dial   DialFunc
	Logger *zerolog.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultClientGrace
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Dial == nil {
		dcfg := transport.DialConfig{
			Header:          c.Header,
			RateLimitConfig: c.RateLimitConfig,
			Logger:          c.Logger,
		}
		c.Dial = func(ctx context.Context, url string) (transport.Transport, error) {
			conn, err := transport.Dial(ctx, url, dcfg)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	return c
}

func logger(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}

// shortID is the identity prefix used in logs; the full identity is a secret.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
