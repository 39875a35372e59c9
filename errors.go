package tether

import "errors"

// Standard error messages. These are also used as WebSocket close reasons
// and reconnect rejection reasons.
const (
	// Protocol errors
	ErrInvalidMessageFormat = "invalid message format"
	ErrRateLimitExceeded    = "rate limit exceeded"
	ErrUnknownIdentity      = "unknown session identity"
	ErrHandshakeIncomplete  = "handshake not completed"

	// Server errors
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
)

var (
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("connection is closed")

	// ErrNoTransport is returned when sending on a session that is waiting
	// for its transport to be replaced.
	ErrNoTransport = errors.New("session has no transport")

	// ErrSessionClosed is returned by operations on a session that
	// completed its disconnect.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned when no registered session has the
	// requested identity.
	ErrSessionNotFound = errors.New("session not found")

	// ErrHandshakeTimeout is logged when a server session closes a transport
	// whose client did not complete the identity handshake in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)
