package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/tether"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
)

var errRateLimited = errors.New(tether.ErrRateLimitExceeded)

// Conn is a Transport over a gorilla WebSocket connection. Frames are sent as
// text messages.
type Conn struct {
	conn        *websocket.Conn
	remoteAddr  string
	sendCh      chan []byte
	done        chan struct{}
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
	log         zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	handler Handler
	started bool

	// release is called once when the connection shuts down.
	release func()
}

func newConn(ws *websocket.Conn, remoteAddr string, rl *RateLimitConfig, log zerolog.Logger) *Conn {
	c := &Conn{
		conn:        ws,
		remoteAddr:  remoteAddr,
		sendCh:      make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		rateLimiter: rl.limiter(),
		log:         log.With().Str("remote_addr", remoteAddr).Logger(),
	}

	// Start the write pump
	go c.writePump()

	return c
}

// Start begins the read loop, delivering frames to h.
func (c *Conn) Start(h Handler) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.handler = h
	c.mu.Unlock()

	go c.readLoop()
}

// SetHandler replaces the handler receiving subsequent frames.
func (c *Conn) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Conn) currentHandler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Send queues a frame for the write pump.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if !c.IsAlive() {
		return tether.ErrClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return tether.ErrClosed
	}
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Conn) CloseWithCode(code int, reason string) error {
	if !c.markClosed() {
		return nil
	}

	// Send close message
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return c.conn.Close()
}

// IsAlive returns true if the connection is still open
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// markClosed flips the connection to closed and reports whether this call did it.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	release := c.release
	c.mu.Unlock()

	close(c.done)
	if release != nil {
		release()
	}
	return true
}

// checkRateLimit reports whether one more inbound message is allowed.
func (c *Conn) checkRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

func (c *Conn) readLoop() {
	var closeErr error
	defer func() {
		if c.markClosed() {
			_ = c.conn.Close()
		}
		if h := c.currentHandler(); h != nil {
			h.HandleClose(c, closeErr)
		}
	}()

	// Set read deadline to prevent indefinite blocking
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Set pong handler to reset read deadline on pong
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected websocket close")
			}
			closeErr = err
			return
		}

		// Reset read deadline after successful read
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !c.checkRateLimit() {
			c.log.Warn().Msg("rate limit exceeded")
			_ = c.CloseWithCode(websocket.ClosePolicyViolation, tether.ErrRateLimitExceeded)
			closeErr = errRateLimited
			return
		}

		if h := c.currentHandler(); h != nil {
			h.HandleMessage(c, data)
		}
	}
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if c.markClosed() {
			_ = c.conn.Close()
		}
	}()

	for {
		select {
		case message := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			// Keep the socket alive below the read deadline of the peer
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
