package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/tether"
	"github.com/luciancaetano/tether/internal/registry"
	"github.com/luciancaetano/tether/internal/session"
	"github.com/luciancaetano/tether/internal/transport"
)

type RateLimitConfig = transport.RateLimitConfig
type CheckOriginFn = transport.CheckOriginFn
type OnConnectFn = registry.OnConnectFn
type OnDisconnectFn = registry.OnDisconnectFn

type Client = session.Client
type ClientConfig = session.ClientConfig
type BackoffConfig = session.BackoffConfig
type State = session.State

// Client states.
const (
	StateConnecting   = session.StateConnecting
	StateConnected    = session.StateConnected
	StateReconnecting = session.StateReconnecting
	StateClosed       = session.StateClosed
)

// ServerConfig configures a Server. Zero durations select the defaults.
type ServerConfig struct {
	Addr string
	// Path is the WebSocket endpoint, "/ws" when empty.
	Path            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn

	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	DisconnectGrace  time.Duration
	// ReconnectWindow is how long a dropped session waits for its client,
	// one minute when zero. Negative waits until the server stops.
	ReconnectWindow time.Duration

	Logger *zerolog.Logger
}

// Server is a WebSocket listener paired with a session registry.
type Server struct {
	listener *transport.Listener
	registry *registry.Registry
}

var _ tether.Server = (*Server)(nil)

// New creates a new WebSocket server with rate limiting and session callbacks.
//
// Example:
//
//	server := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(),
//	    func(s tether.Session) {
//	        log.Printf("session connected: %s", s.RemoteAddr())
//	    }, nil))
func New(cfg *ServerConfig) *Server {
	l := transport.NewListener(transport.ListenerConfig{
		Addr:            cfg.Addr,
		Path:            cfg.Path,
		RateLimitConfig: cfg.RateLimitConfig,
		CheckOrigin:     cfg.CheckOrigin,
		Logger:          cfg.Logger,
	})
	r := registry.New(l, registry.Config{
		Session: session.Config{
			PingInterval:     cfg.PingInterval,
			HandshakeTimeout: cfg.HandshakeTimeout,
			DisconnectGrace:  cfg.DisconnectGrace,
		},
		ReconnectWindow: cfg.ReconnectWindow,
		OnConnect:       cfg.OnConnect,
		OnDisconnect:    cfg.OnDisconnect,
		Logger:          cfg.Logger,
	})
	return &Server{listener: l, registry: r}
}

func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		CheckOrigin:     checkOrigin,
		OnConnect:       onConnect,
		OnDisconnect:    onDisconnect,
	}
}

// Start listens on the configured address.
func (s *Server) Start(ctx context.Context) error {
	return s.listener.Start(ctx)
}

// Stop tells every client to disconnect and waits out the disconnect grace
// delay, bounded by ctx. It then shuts the listener down and closes any
// transport still open.
func (s *Server) Stop(ctx context.Context) error {
	err := s.registry.Close(ctx)
	return errors.Join(err, s.listener.Stop(ctx))
}

// ServeHTTP upgrades WebSocket requests, for mounting on an existing mux
// instead of calling Start.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.listener.ServeHTTP(w, r)
}

func (s *Server) Sessions() []tether.Session {
	return s.registry.Sessions()
}

func (s *Server) Session(id string) (tether.Session, bool) {
	return s.registry.Session(id)
}

func (s *Server) Broadcast(ctx context.Context, eventType string, payload any) error {
	return s.registry.Broadcast(ctx, eventType, payload)
}

func (s *Server) SendTo(ctx context.Context, id string, eventType string, payload any) error {
	return s.registry.SendTo(ctx, id, eventType, payload)
}

// NewClient creates a reconnecting client for the WebSocket URL, e.g.
// "ws://localhost:8080/ws". Register handlers before calling Connect.
func NewClient(url string, cfg ClientConfig) *Client {
	return session.NewClient(url, cfg)
}

// Dial creates a client and waits for its first handshake.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	c := NewClient(url, cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return transport.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return transport.NoRateLimit()
}
