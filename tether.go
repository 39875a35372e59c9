package tether

import (
	"context"
	"encoding/json"
)

// Server accepts WebSocket connections and keeps one Session per client
// identity, across reconnects.
//
// Example usage:
//
//	import "github.com/luciancaetano/tether/ws"
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(),
//	    func(s tether.Session) {
//	        s.On("chat", func(payload []byte) { ... })
//	    }, nil)
//	server := ws.New(cfg)
//	server.Start(ctx)
type Server interface {
	// Start starts listening for connections.
	// The server will continue running until Stop is called or the context is cancelled.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop sends a disconnect to every session, waits for the clients to
	// close or the grace delay to pass, then stops the listener. ctx bounds
	// the wait.
	Stop(ctx context.Context) error

	// Sessions returns the registered sessions, in no particular order.
	Sessions() []Session

	// Session returns the registered session with the given identity.
	Session(id string) (Session, bool)

	// Broadcast sends an event to every registered session.
	//
	// The payload is encoded once. Sessions that cannot take the event (for
	// example while waiting for their client to reconnect) are skipped; there
	// is no ordering guarantee across recipients.
	//
	// Example:
	//
	//	server.Broadcast(ctx, "chat", ChatMessage{User: "system", Text: "hello"})
	Broadcast(ctx context.Context, eventType string, payload any) error

	// SendTo sends an event to the registered session with the given identity.
	SendTo(ctx context.Context, id string, eventType string, payload any) error
}

// Session is the server side of one logical client connection.
//
// A Session outlives its transport: when the client reconnects and proves its
// identity, the new socket is attached to the same Session and handlers stay
// registered.
type Session interface {
	// ID returns the session identity.
	//
	// The identity is the secret a client presents to resume its session.
	// It must never be sent to any other client; whoever knows it can
	// impersonate the session on reconnect.
	ID() string

	// RemoteAddr returns the remote address of the current transport, or an
	// empty string while the session has none.
	RemoteAddr() string

	// Context returns the session's lifecycle context.
	//
	// It is cancelled when the session closes for good, not when its
	// transport drops and the client is expected to reconnect.
	Context() context.Context

	// Latency returns the last measured round-trip time in milliseconds, or
	// LatencyUnset before the first heartbeat completes.
	Latency() int64

	// Send encodes payload as JSON and queues it for the client.
	//
	// Returns ErrNoTransport while the client is reconnecting and
	// ErrSessionClosed once the session has closed.
	Send(ctx context.Context, eventType string, payload any) error

	// On registers handler for eventType, replacing any previous handler.
	// Handlers run one at a time, in arrival order, and must not block for
	// long. Handlers for reserved protocol event types are refused.
	On(eventType string, handler func(payload []byte))

	// Off removes the handler for eventType.
	Off(eventType string)

	// Disconnect closes the session. With notifyPeer the client is told to
	// disconnect and given a short grace period to close its end first.
	Disconnect(notifyPeer bool)

	// IsAlive reports whether the session has an open transport and has not
	// closed.
	IsAlive() bool
}

// Receiver is anything events can be registered on: a Session or a client.
type Receiver interface {
	On(eventType string, handler func(payload []byte))
}

// On registers a typed handler: each payload of eventType is decoded into a
// T before handler is called. Payloads that do not decode are dropped.
//
// Example:
//
//	tether.On(session, "chat", func(msg ChatMessage) {
//	    log.Printf("%s: %s", msg.User, msg.Text)
//	})
func On[T any](r Receiver, eventType string, handler func(T)) {
	r.On(eventType, func(payload []byte) {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return
			}
		}
		handler(v)
	})
}
