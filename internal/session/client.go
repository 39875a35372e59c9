package session

import (
	"context"
	"errors"
	"math/rand"
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

var errAlreadyStarted = errors.New("client already started")

// Client is the dialing side of a session. It keeps the identity issued by
// the server and resumes the session over a new transport when the current
// one drops, up to a bounded number of consecutive attempts.
type Client struct {
	url      string
	cfg      ClientConfig
	baseLog  zerolog.Logger
	log      zerolog.Logger
	handlers *event.Table
	loop     *actor
	ctx      context.Context
	cancel   context.CancelFunc
	latency  atomic.Int64
	ready    chan struct{}
	rng      *rand.Rand

	mu             sync.RWMutex
	transport      transport.Transport
	state          State
	identity       string
	started        bool
	onConnected    []func(resumed bool)
	onDisconnected []func()

	// Owned by the actor.
	offered           string
	resuming          bool
	allowReconnect    bool
	reconnectAttempts int
	userClosed        bool
	readyOnce         sync.Once
	monitor           *heartbeat.Monitor
	graceTimer        *time.Timer
}

var _ transport.Handler = (*Client)(nil)

// NewClient creates a client for the server at url. Register handlers, then
// call Connect.
func NewClient(url string, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		url:            url,
		cfg:            cfg,
		log:            logger(cfg.Logger).With().Str("url", url).Logger(),
		handlers:       event.NewTable(),
		loop:           newActor(),
		ctx:            ctx,
		cancel:         cancel,
		ready:          make(chan struct{}),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		state:          StateConnecting,
		allowReconnect: true,
	}
	c.baseLog = c.log
	c.latency.Store(tether.LatencyUnset)
	return c
}

// Connect dials the server and waits until the first identity handshake
// completes. If ctx ends first the client is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	t, err := c.cfg.Dial(ctx, c.url)
	if err != nil {
		c.loop.postAsync(func() { c.disconnect(false) })
		return err
	}
	if !c.loop.call(func() { c.attach(t) }) {
		_ = t.Close()
		return tether.ErrSessionClosed
	}
	t.Start(c)

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		c.loop.postAsync(func() { c.disconnect(false) })
		return ctx.Err()
	case <-c.ctx.Done():
		return tether.ErrSessionClosed
	}
}

// OnConnected registers fn to run after every completed handshake. resumed
// is true when the server accepted the stored identity.
func (c *Client) OnConnected(fn func(resumed bool)) {
	c.mu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.mu.Unlock()
}

// OnDisconnected registers fn to run once when the client closes for good.
func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = append(c.onDisconnected, fn)
	c.mu.Unlock()
}

// ID returns the session identity, empty before the first handshake.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the client has finished closing: the disconnect
// grace delay has passed and the transport is closed.
func (c *Client) Done() <-chan struct{} {
	return c.loop.quit
}

// Latency returns the last round-trip time in milliseconds.
func (c *Client) Latency() int64 {
	return c.latency.Load()
}

// Context is cancelled when the client closes for good.
func (c *Client) Context() context.Context {
	return c.ctx
}

// IsAlive reports whether the client is connected over an open transport.
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected && c.transport != nil && c.transport.IsAlive()
}

// On registers an application event handler. Reserved protocol event
// types are refused.
func (c *Client) On(eventType string, handler func(payload []byte)) {
	if tether.IsReserved(eventType) {
		c.baseLog.Warn().Str("event", eventType).Msg("refusing handler for reserved event")
		return
	}
	c.handlers.Register(eventType, handler)
}

// Off removes an application event handler.
func (c *Client) Off(eventType string) {
	c.handlers.Unregister(eventType)
}

// Send encodes and queues an event for the server. It fails with
// tether.ErrNoTransport while the client is not connected.
func (c *Client) Send(ctx context.Context, eventType string, payload any) error {
	frame, err := Encode(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()

	if state == StateClosed {
		return tether.ErrSessionClosed
	}
	if state != StateConnected || t == nil {
		return tether.ErrNoTransport
	}
	return t.Send(ctx, frame)
}

// Disconnect tells the server the client is leaving and closes the
// transport after the grace delay. No reconnect is attempted afterwards.
func (c *Client) Disconnect() {
	c.loop.postAsync(func() {
		c.userClosed = true
		c.disconnect(true)
	})
}

// Close disconnects and waits until the transport is closed or ctx is done.
func (c *Client) Close(ctx context.Context) error {
	c.Disconnect()
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage implements transport.Handler.
func (c *Client) HandleMessage(t transport.Transport, data []byte) {
	c.loop.call(func() { c.handleFrame(t, data) })
}

// HandleClose implements transport.Handler.
func (c *Client) HandleClose(t transport.Transport, err error) {
	c.loop.call(func() { c.handleTransportClosed(t, err) })
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setTransport(t transport.Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func (c *Client) attach(t transport.Transport) {
	if c.state == StateClosed {
		_ = t.Close()
		return
	}
	c.resuming = false
	c.offered = ""
	c.setTransport(t)
	c.setState(StateConnecting)
}

func (c *Client) handleFrame(t transport.Transport, data []byte) {
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
	case tether.EventConnectRequest:
		c.handleConnectRequest(t, payload)
	case tether.EventReconnectRejected:
		c.handleReconnectRejected(t, payload)
	case tether.EventPing:
		c.handlePing(t, payload)
	case tether.EventDisconnect:
		c.disconnect(false)
	case tether.EventConnectResponse, tether.EventReconnectResponse:
		c.log.Debug().Str("event", eventType).Msg("ignoring server-bound event")
	default:
		if c.state != StateConnected {
			c.log.Debug().Str("event", eventType).Msg("dropping event before handshake")
			return
		}
		c.handlers.Dispatch(eventType, payload)
	}
}

func (c *Client) handleConnectRequest(t transport.Transport, payload []byte) {
	var req tether.ConnectRequest
	if err := decodePayload(payload, &req); err != nil || req.Identity == "" {
		c.log.Warn().Err(err).Msg("invalid connect request")
		return
	}

	switch {
	case c.state == StateConnected:
		c.log.Debug().Msg("ignoring connect request on connected session")
	case c.identity == "":
		c.offered = req.Identity
		c.acceptIdentity(t, req.Identity)
	case c.resuming && req.Identity == c.identity:
		// The server moved this transport to the existing session.
		c.resuming = false
		c.connected(t, true)
	default:
		c.offered = req.Identity
		if err := sendEvent(t, tether.EventReconnectResponse, tether.ReconnectResponse{Identity: c.identity}); err != nil {
			c.log.Debug().Err(err).Msg("send reconnect response")
			return
		}
		c.resuming = true
	}
}

func (c *Client) handleReconnectRejected(t transport.Transport, payload []byte) {
	var msg tether.ReconnectRejected
	_ = decodePayload(payload, &msg)

	if !c.resuming || c.offered == "" {
		return
	}
	c.resuming = false
	c.log.Info().Str("reason", msg.Reason).Msg("session expired on server, starting a new one")
	c.acceptIdentity(t, c.offered)
}

// acceptIdentity adopts identity as a fresh session and confirms it.
func (c *Client) acceptIdentity(t transport.Transport, identity string) {
	if err := sendEvent(t, tether.EventConnectResponse, nil); err != nil {
		c.log.Debug().Err(err).Msg("send connect response")
		return
	}
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	c.log = c.baseLog.With().Str("session", shortID(identity)).Logger()
	c.connected(t, false)
}

func (c *Client) connected(t transport.Transport, resumed bool) {
	c.setState(StateConnected)
	c.reconnectAttempts = 0
	if !c.userClosed {
		c.allowReconnect = true
	}
	c.startMonitor(t)
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Debug().Bool("resumed", resumed).Msg("connected")

	c.mu.RLock()
	callbacks := append([]func(bool){}, c.onConnected...)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		fn(resumed)
	}
}

func (c *Client) handlePing(t transport.Transport, payload []byte) {
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

	// Reply with the same event.
	ping.Reply = true
	if err := sendEvent(t, tether.EventPing, ping); err != nil {
		c.log.Debug().Err(err).Msg("echo ping")
	}
}

func (c *Client) startMonitor(t transport.Transport) {
	c.stopMonitor()
	if c.cfg.PingInterval < 0 {
		return
	}
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

func (c *Client) stopMonitor() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
}

// heartbeatExpired treats an unresponsive server like a dropped transport.
func (c *Client) heartbeatExpired(t transport.Transport) {
	if t != c.transport || c.state != StateConnected {
		return
	}
	c.log.Warn().Msg("heartbeat timeout")
	_ = t.Close()
}

func (c *Client) handleTransportClosed(t transport.Transport, err error) {
	if t != c.transport {
		return
	}
	c.stopMonitor()
	c.setTransport(nil)
	c.transportLost(err)
}

// transportLost runs for every failed or dropped transport. The attempt that
// reaches the bound still dials; the failure after it is terminal.
func (c *Client) transportLost(err error) {
	if c.state == StateClosed {
		return
	}
	if !c.allowReconnect {
		c.log.Info().Err(err).Msg("connection lost, not reconnecting")
		c.disconnect(false)
		return
	}

	c.setState(StateReconnecting)
	c.reconnectAttempts++
	c.log.Debug().Err(err).Int("attempt", c.reconnectAttempts).Msg("connection lost, reconnecting")
	c.redial(c.reconnectAttempts)

	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.allowReconnect = false
		c.reconnectAttempts = 0
	}
}

func (c *Client) redial(attempt int) {
	delay := c.cfg.Backoff.Delay(attempt, c.rng)

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
		}

		t, err := c.cfg.Dial(c.ctx, c.url)
		accepted := c.loop.post(func() {
			if err != nil {
				if c.state == StateReconnecting {
					c.transportLost(err)
				}
				return
			}
			if c.state != StateReconnecting {
				_ = t.Close()
				return
			}
			c.attach(t)
			t.Start(c)
		})
		if !accepted && err == nil {
			_ = t.Close()
		}
	}()
}

func (c *Client) disconnect(notifyPeer bool) {
	if c.state == StateClosed {
		return
	}

	c.allowReconnect = false
	c.stopMonitor()
	c.setState(StateClosed)

	t := c.transport
	if notifyPeer && t != nil {
		if err := sendEvent(t, tether.EventDisconnect, nil); err != nil {
			c.log.Debug().Err(err).Msg("send disconnect")
		}
	}

	c.cancel()
	c.log.Debug().Msg("disconnected")

	c.mu.RLock()
	callbacks := append([]func(){}, c.onDisconnected...)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}

	c.graceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.loop.post(c.finish)
	})
}

func (c *Client) finish() {
	stopTimer(&c.graceTimer)
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t != nil && t.IsAlive() {
		_ = t.Close()
	}
	c.loop.stop()
}
