// Package tether provides WebSocket sessions that survive reconnects.
//
// A session is a logical connection between one client and a server. It
// outlives the socket it runs on: when the socket drops, the client dials
// again, proves its identity, and the server attaches the new socket to the
// existing session. Handlers registered on the session stay in place.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/tether"
//	    "github.com/luciancaetano/tether/ws"
//	)
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(),
//	    func(s tether.Session) {
//	        tether.On(s, "chat", func(msg ChatMessage) {
//	            server.Broadcast(ctx, "chat", msg)
//	        })
//	    },
//	    func(s tether.Session, voluntary bool) {
//	        log.Printf("session gone, voluntary=%v", voluntary)
//	    })
//	server = ws.New(cfg)
//	server.Start(ctx)
//
// And on the client:
//
//	client := ws.NewClient("ws://localhost:8080/ws", ws.ClientConfig{})
//	tether.On(client, "chat", func(msg ChatMessage) { ... })
//	if err := client.Connect(ctx); err != nil { ... }
//	client.Send(ctx, "chat", ChatMessage{Text: "hello"})
//
// # Protocol Format
//
// Every frame is a JSON text message:
//
//	{"type":"<event type>","data":<payload>}
//
// The event types connect-request, connect-response, reconnect-response,
// reconnect-rejected, ping and disconnect are reserved for the session
// protocol and never reach application handlers.
//
// # Identity Handshake
//
// Whenever the server attaches a socket it sends connect-request carrying a
// fresh identity. A new client answers with connect-response and adopts that
// identity. A client that already has an identity answers with
// reconnect-response carrying its old one instead. If the server still holds
// that session the socket moves over to it and the server sends
// connect-request again with the old identity; otherwise the server replies
// with reconnect-rejected and the client continues as a new session.
//
// Application events sent before the handshake completes are dropped.
//
// The identity is a secret. Anyone who knows it can take over the session,
// so never send it to other clients.
//
// # Reconnects
//
// The client redials with exponential backoff after losing its socket, up to
// ClientConfig.MaxReconnectAttempts times (4 by default). A completed
// handshake resets the count. The server keeps a dropped session for
// ServerConfig.ReconnectWindow (one minute by default) before closing it.
//
// # Heartbeat
//
// Both sides send a ping every 10 seconds by default and echo the other's
// pings. Latency reports the last round trip in milliseconds. A side that
// misses an echo for a full interval treats the socket as dead.
//
// # Disconnecting
//
// Disconnect sends a disconnect event and closes the socket after a short
// grace period (50ms on the client, 100ms on the server) so the peer can
// close its end first. A session closed by its client is reported to
// OnDisconnect as voluntary.
//
// # Rate Limiting
//
// Each server socket has its own token bucket limiter:
//
//	// Default: 100 messages/second, burst 200
//	rateLimitConfig := ws.DefaultRateLimitConfig()
//
//	// Disabled
//	rateLimitConfig := ws.NoRateLimit()
//
// When the rate limit is exceeded the socket is closed with code 1008
// (Policy Violation). The client reconnects and resumes its session.
//
// # Important
//
//   - Handlers of one session run one at a time, in arrival order
//   - Handlers may call Send and Broadcast but must not block for long
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package tether
