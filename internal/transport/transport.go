// Package transport is the raw socket layer beneath sessions: it moves
// encoded frames and reports inbound frames and closure to a Handler.
package transport

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const sendBufferSize = 256

// Handler receives notifications from a Transport.
//
// HandleMessage is called from the transport's read goroutine, one frame at a
// time and in arrival order; the next frame is not read until it returns.
// HandleClose is called exactly once after the transport stops reading,
// whichever side closed it.
type Handler interface {
	HandleMessage(t Transport, data []byte)
	HandleClose(t Transport, err error)
}

// Transport is one bidirectional socket carrying encoded frames.
type Transport interface {
	// Start begins delivering inbound frames to h. It must be called once.
	Start(h Handler)

	// SetHandler replaces the handler receiving subsequent notifications.
	// It is used to hand a live transport over to another session.
	SetHandler(h Handler)

	// Send queues a frame for delivery. It only blocks while the send
	// buffer is full, until ctx is done.
	Send(ctx context.Context, data []byte) error

	// Close closes the transport with a normal closure.
	Close() error

	// CloseWithCode closes the transport with a specific close code and reason.
	CloseWithCode(code int, reason string) error

	// IsAlive reports whether the transport is still open.
	IsAlive() bool

	// RemoteAddr returns the remote network address.
	RemoteAddr() string
}

// Acceptor produces transports for inbound connections.
type Acceptor interface {
	// SetAcceptHandler registers fn to receive every accepted transport
	// before it is started.
	SetAcceptHandler(fn func(Transport))
}

// RateLimitConfig defines inbound rate limiting for a transport.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

func nopLogger(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}

// Close codes used by the session layer.
const (
	CloseNormalClosure   = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseProtocolError   = websocket.CloseProtocolError
	ClosePolicyViolation = websocket.ClosePolicyViolation
)
