package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/tether"
)

// DefaultPath is the HTTP path upgraded to WebSocket when none is configured.
const DefaultPath = "/ws"

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Addr string
	// Path is the upgrade endpoint; DefaultPath when empty.
	Path            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	Logger          *zerolog.Logger
}

// Listener accepts WebSocket connections over HTTP and hands them to the
// accept handler as transports.
type Listener struct {
	addr            string
	path            string
	rateLimitConfig *RateLimitConfig
	upgrader        websocket.Upgrader
	log             zerolog.Logger

	mu       sync.RWMutex
	server   *http.Server
	running  bool
	onAccept func(Transport)
	conns    map[*Conn]struct{}
}

// NewListener creates a listener. A nil RateLimitConfig selects
// DefaultRateLimitConfig.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Listener{
		addr:            cfg.Addr,
		path:            cfg.Path,
		rateLimitConfig: cfg.RateLimitConfig,
		log:             nopLogger(cfg.Logger),
		conns:           make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// SetAcceptHandler registers the receiver of accepted transports.
func (l *Listener) SetAcceptHandler(fn func(Transport)) {
	l.mu.Lock()
	l.onAccept = fn
	l.mu.Unlock()
}

// Start starts serving HTTP on the configured address.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New(tether.ErrServerAlreadyRunning)
	}
	l.running = true

	mux := http.NewServeMux()
	mux.Handle(l.path, l)

	l.server = &http.Server{
		Addr:    l.addr,
		Handler: mux,
	}
	server := l.server
	l.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return err
	case <-ctx.Done():
		// Context cancelled, stop the server
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		// Server started successfully, no immediate errors
		l.log.Info().Str("addr", l.addr).Str("path", l.path).Msg("listening")
		return nil
	}
}

// Stop shuts the HTTP server down and closes every live transport.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	server := l.server
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithCode(websocket.CloseGoingAway, "server stopping")
	}

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP upgrades the request and hands the new transport to the accept
// handler. It can be mounted on any mux instead of calling Start.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.RLock()
	onAccept := l.onAccept
	l.mu.RUnlock()
	if onAccept == nil {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		l.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws, r.RemoteAddr, l.rateLimitConfig, l.log)
	if !l.track(c) {
		_ = c.CloseWithCode(websocket.CloseGoingAway, "server stopping")
		return
	}
	onAccept(c)
}

// track records c so Stop can close it. It fails once the listener stopped.
func (l *Listener) track(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil && !l.running {
		return false
	}
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.release = func() {
			l.mu.Lock()
			delete(l.conns, c)
			l.mu.Unlock()
		}
	}
	c.mu.Unlock()
	if !closed {
		l.conns[c] = struct{}{}
	}
	return true
}

// Len returns the number of live transports.
func (l *Listener) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}
