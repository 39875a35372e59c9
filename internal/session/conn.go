package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/tether"
	"github.com/luciancaetano/tether/internal/event"
	"github.com/luciancaetano/tether/internal/heartbeat"
	"github.com/luciancaetano/tether/internal/protocol"
	"github.com/luciancaetano/tether/internal/transport"
)

// Hooks are the registry's listeners on a server session. They are called
// from the session's actor.
type Hooks struct {
	// Established is called once, when the session completes a fresh
	// handshake.
	Established func(c *Conn)

	// Reconnect is called when a session still waiting for its handshake
	// receives a reconnect response. It returns true when t was handed over
	// to the session owning identity; c is then discarded.
	Reconnect func(c *Conn, t transport.Transport, identity string) bool

	// Closed is called once, when an established session closes.
	// voluntary is true when the client asked to disconnect.
	Closed func(c *Conn, voluntary bool)
}

// Conn is the server side of one logical client connection. It survives
// transport replacement: a reconnecting client's new transport is attached
// to the same Conn.
type Conn struct {
	id       string
	cfg      Config
	hooks    Hooks
	log      zerolog.Logger
	handlers *event.Table
	loop     *actor
	ctx      context.Context
	cancel   context.CancelFunc
	latency  atomic.Int64

	mu          sync.RWMutex
	transport   transport.Transport
	state       State
	established bool

	// Owned by the actor.
	monitor        *heartbeat.Monitor
	handshakeTimer *time.Timer
	windowTimer    *time.Timer
	graceTimer     *time.Timer
}

var (
	_ tether.Session    = (*Conn)(nil)
	_ transport.Handler = (*Conn)(nil)
)

// NewConn creates a server session holding identity id. Call Start to attach
// its first transport.
func NewConn(id string, cfg Config, hooks Hooks) *Conn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:       id,
		cfg:      cfg,
		hooks:    hooks,
		log:      logger(cfg.Logger).With().Str("session", shortID(id)).Logger(),
		handlers: event.NewTable(),
		loop:     newActor(),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
	}
	c.latency.Store(tether.LatencyUnset)
	return c
}

// Start attaches t, which must not be started yet, and sends the connect
// request.
func (c *Conn) Start(t transport.Transport) {
	c.loop.post(func() { c.attach(t, false) })
	t.Start(c)
}

// Reattach hands a started transport over to this session after its client
// proved the identity. The session resumes without a new handshake.
func (c *Conn) Reattach(t transport.Transport) bool {
	t.SetHandler(c)
	return c.loop.post(func() { c.attach(t, true) })
}

// ID returns the session identity.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Established reports whether the session completed its handshake and was
// registered.
func (c *Conn) Established() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.established
}

// Done is closed once the session has finished its teardown, after the
// disconnect grace delay.
func (c *Conn) Done() <-chan struct{} {
	return c.loop.quit
}

// Latency returns the last round-trip time in milliseconds.
func (c *Conn) Latency() int64 {
	return c.latency.Load()
}

// Context is cancelled when the session closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// RemoteAddr returns the address of the current transport.
func (c *Conn) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.RemoteAddr()
}

// IsAlive reports whether the session is connected over an open transport.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected && c.transport != nil && c.transport.IsAlive()
}

// On registers an application event handler. Reserved protocol event
// types are refused.
func (c *Conn) On(eventType string, handler func(payload []byte)) {
	if tether.IsReserved(eventType) {
		c.log.Warn().Str("event", eventType).Msg("refusing handler for reserved event")
		return
	}
	c.handlers.Register(eventType, handler)
}

// Off removes an application event handler.
func (c *Conn) Off(eventType string) {
	c.handlers.Unregister(eventType)
}

// Send encodes and queues an event for the client.
func (c *Conn) Send(ctx context.Context, eventType string, payload any) error {
	frame, err := Encode(eventType, payload)
	if err != nil {
		return err
	}
	return c.SendFrame(ctx, frame)
}

// SendFrame queues an already encoded frame.
func (c *Conn) SendFrame(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()

	if state == StateClosed {
		return tether.ErrSessionClosed
	}
	if t == nil {
		return tether.ErrNoTransport
	}
	return t.Send(ctx, frame)
}

// Disconnect closes the session. With notifyPeer the client is sent a
// disconnect event first and the transport is closed after the grace delay.
func (c *Conn) Disconnect(notifyPeer bool) {
	c.loop.postAsync(func() { c.disconnect(notifyPeer, false) })
}

// HandleMessage implements transport.Handler.
func (c *Conn) HandleMessage(t transport.Transport, data []byte) {
	c.loop.call(func() { c.handleFrame(t, data) })
}

// HandleClose implements transport.Handler.
func (c *Conn) HandleClose(t transport.Transport, err error) {
	c.loop.call(func() { c.handleTransportClosed(t, err) })
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) setTransport(t transport.Transport) transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.transport
	c.transport = t
	return old
}

func (c *Conn) attach(t transport.Transport, resumed bool) {
	if c.state == StateClosed {
		_ = t.Close()
		return
	}

	stopTimer(&c.handshakeTimer)
	stopTimer(&c.windowTimer)
	c.stopMonitor()

	if old := c.setTransport(t); old != nil && old != t {
		// The old transport's close notification is ignored as stale.
		_ = old.Close()
	}

	if err := sendEvent(t, tether.EventConnectRequest, tether.ConnectRequest{Identity: c.id}); err != nil {
		c.log.Debug().Err(err).Msg("send connect request")
	}

	if resumed {
		c.setState(StateConnected)
		c.startMonitor(t)
		c.log.Debug().Str("remote_addr", t.RemoteAddr()).Msg("session resumed")
		return
	}

	c.setState(StateConnecting)
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.loop.post(func() { c.handshakeExpired(t) })
	})
}

func (c *Conn) handleFrame(t transport.Transport, data []byte) {
	if t != c.transport {
		return
	}

	eventType, payload, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("invalid frame")
		_ = t.CloseWithCode(transport.CloseProtocolError, tether.ErrInvalidMessageFormat)
		return
	}

	switch eventType {
	case tether.EventConnectResponse:
		c.handleConnectResponse(t)
	case tether.EventReconnectResponse:
		c.handleReconnectResponse(t, payload)
	case tether.EventPing:
		c.handlePing(t, payload)
	case tether.EventDisconnect:
		c.disconnect(false, true)
	case tether.EventConnectRequest, tether.EventReconnectRejected:
		c.log.Debug().Str("event", eventType).Msg("ignoring client-bound event")
	default:
		if c.state != StateConnected {
			c.log.Debug().Str("event", eventType).Msg("dropping event before handshake")
			return
		}
		c.handlers.Dispatch(eventType, payload)
	}
}

func (c *Conn) handleConnectResponse(t transport.Transport) {
	if c.state != StateConnecting {
		return
	}
	stopTimer(&c.handshakeTimer)
	c.setState(StateConnected)
	c.startMonitor(t)

	if c.established {
		return
	}
	c.mu.Lock()
	c.established = true
	c.mu.Unlock()

	c.log.Debug().Str("remote_addr", t.RemoteAddr()).Msg("session established")
	if c.hooks.Established != nil {
		c.hooks.Established(c)
	}
}

func (c *Conn) handleReconnectResponse(t transport.Transport, payload []byte) {
	if c.state != StateConnecting || c.established {
		c.log.Debug().Msg("ignoring reconnect response on established session")
		return
	}

	var msg tether.ReconnectResponse
	if err := decodePayload(payload, &msg); err != nil || msg.Identity == "" {
		c.log.Warn().Err(err).Msg("invalid reconnect response")
		c.rejectReconnect(t, tether.ErrInvalidMessageFormat)
		return
	}

	if c.hooks.Reconnect != nil && c.hooks.Reconnect(c, t, msg.Identity) {
		c.discard()
		return
	}

	c.log.Info().Msg("reconnect for unknown identity rejected")
	c.rejectReconnect(t, tether.ErrUnknownIdentity)
}

// rejectReconnect tells the client to continue as a fresh session; this
// session keeps waiting for the connect response.
func (c *Conn) rejectReconnect(t transport.Transport, reason string) {
	if err := sendEvent(t, tether.EventReconnectRejected, tether.ReconnectRejected{Reason: reason}); err != nil {
		c.log.Debug().Err(err).Msg("send reconnect rejection")
	}
}

func (c *Conn) handlePing(t transport.Transport, payload []byte) {
	var ping tether.Ping
	if err := decodePayload(payload, &ping); err != nil {
		c.log.Debug().Err(err).Msg("invalid ping")
		return
	}

	if ping.Reply {
		if c.monitor != nil {
			c.monitor.Echo(ping.Timestamp)
			c.latency.Store(c.monitor.Latency())
		}
		return
	}

	ping.Reply = true
	if err := sendEvent(t, tether.EventPing, ping); err != nil {
		c.log.Debug().Err(err).Msg("echo ping")
	}
}

func (c *Conn) startMonitor(t transport.Transport) {
	c.stopMonitor()
	c.monitor = heartbeat.New(heartbeat.Config{Interval: c.cfg.PingInterval},
		func(ts int64) error {
			return sendEvent(t, tether.EventPing, tether.Ping{Timestamp: ts})
		},
		func() {
			c.loop.post(func() { c.heartbeatExpired(t) })
		},
	)
	c.monitor.Start()
}

func (c *Conn) stopMonitor() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
}

func (c *Conn) heartbeatExpired(t transport.Transport) {
	if t != c.transport || c.state != StateConnected {
		return
	}
	c.log.Warn().Msg("heartbeat timeout")
	c.disconnect(false, false)
}

func (c *Conn) handshakeExpired(t transport.Transport) {
	if t != c.transport || c.state != StateConnecting {
		return
	}
	c.log.Debug().Err(tether.ErrHandshakeTimeout).Msg("closing transport")
	_ = t.CloseWithCode(transport.ClosePolicyViolation, tether.ErrHandshakeIncomplete)
}

func (c *Conn) handleTransportClosed(t transport.Transport, err error) {
	if t != c.transport {
		return
	}

	c.stopMonitor()
	stopTimer(&c.handshakeTimer)
	c.setTransport(nil)

	switch c.state {
	case StateConnecting:
		// Never registered; nobody else knows this session.
		c.finish()
	case StateConnected:
		c.setState(StateDetached)
		c.log.Debug().Err(err).Msg("transport lost, waiting for reconnect")
		if c.cfg.ReconnectWindow > 0 {
			c.windowTimer = time.AfterFunc(c.cfg.ReconnectWindow, func() {
				c.loop.post(c.windowExpired)
			})
		}
	}
}

func (c *Conn) windowExpired() {
	if c.state != StateDetached {
		return
	}
	c.log.Info().Msg("reconnect window expired")
	c.disconnect(false, false)
}

func (c *Conn) disconnect(notifyPeer bool, voluntary bool) {
	if c.state == StateClosed {
		return
	}

	c.stopMonitor()
	stopTimer(&c.handshakeTimer)
	stopTimer(&c.windowTimer)
	c.setState(StateClosed)

	if t := c.transport; notifyPeer && t != nil {
		if err := sendEvent(t, tether.EventDisconnect, nil); err != nil {
			c.log.Debug().Err(err).Msg("send disconnect")
		}
	}

	c.cancel()
	c.log.Debug().Bool("voluntary", voluntary).Msg("session closed")
	if c.established && c.hooks.Closed != nil {
		c.hooks.Closed(c, voluntary)
	}

	// Let the client receive the disconnect event so it can close the connection itself.
	// If it does not close within the grace delay, the transport is closed here.
	c.graceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.loop.post(c.finish)
	})
}

// discard drops a session whose transport was handed to another session.
// The transport is left open.
func (c *Conn) discard() {
	stopTimer(&c.handshakeTimer)
	c.stopMonitor()
	c.mu.Lock()
	c.transport = nil
	c.state = StateClosed
	c.mu.Unlock()
	c.cancel()
	c.loop.stop()
}

// finish closes the transport if it is still open and stops the actor.
func (c *Conn) finish() {
	stopTimer(&c.graceTimer)
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.state = StateClosed
	c.mu.Unlock()

	if t != nil && t.IsAlive() {
		_ = t.Close()
	}
	c.cancel()
	c.loop.stop()
}
