// Package registry keeps the server's sessions, keyed by the identity each
// client uses to resume.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/tether"
	"github.com/luciancaetano/tether/internal/session"
	"github.com/luciancaetano/tether/internal/transport"
)

// DefaultReconnectWindow is how long a session whose transport dropped is
// kept for its client to reconnect.
const DefaultReconnectWindow = 60 * time.Second

// OnConnectFn is called once for every session that completes a fresh
// handshake, before any of its application events are delivered. Register
// the session's handlers here.
type OnConnectFn = func(s tether.Session)

// OnDisconnectFn is called once when a registered session closes. voluntary
// is true when the client asked to disconnect.
type OnDisconnectFn = func(s tether.Session, voluntary bool)

// Config configures a Registry.
type Config struct {
	Session session.Config
	// ReconnectWindow overrides Session.ReconnectWindow. DefaultReconnectWindow
	// when zero; negative keeps detached sessions until they are closed.
	ReconnectWindow time.Duration
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
	Logger          *zerolog.Logger
}

// Registry owns the sessions created for accepted transports. A session is
// registered when its handshake completes and removed when it closes.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Conn
	closed   bool
}

// New creates a registry and starts accepting transports from acceptor.
func New(acceptor transport.Acceptor, cfg Config) *Registry {
	switch {
	case cfg.ReconnectWindow == 0:
		cfg.ReconnectWindow = DefaultReconnectWindow
	case cfg.ReconnectWindow < 0:
		cfg.ReconnectWindow = 0
	}
	cfg.Session.ReconnectWindow = cfg.ReconnectWindow
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	r := &Registry{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session.Conn),
	}
	if acceptor != nil {
		acceptor.SetAcceptHandler(r.Accept)
	}
	return r
}

// Accept starts a transient session on t and sends it a freshly minted
// identity.
func (r *Registry) Accept(t transport.Transport) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		_ = t.CloseWithCode(transport.CloseGoingAway, "server stopping")
		return
	}

	c := session.NewConn(uuid.NewString(), r.cfg.Session, session.Hooks{
		Established: r.register,
		Reconnect:   r.correlate,
		Closed:      r.remove,
	})
	c.Start(t)
}

func (r *Registry) register(c *session.Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		c.Disconnect(true)
		return
	}
	r.sessions[c.ID()] = c
	count := len(r.sessions)
	r.mu.Unlock()

	r.log.Info().Str("remote_addr", c.RemoteAddr()).Int("sessions", count).Msg("session connected")
	if r.cfg.OnConnect != nil {
		r.cfg.OnConnect(c)
	}
}

// correlate moves t to the registered session owning identity.
func (r *Registry) correlate(transient *session.Conn, t transport.Transport, identity string) bool {
	r.mu.RLock()
	existing, ok := r.sessions[identity]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if !existing.Reattach(t) {
		// The session closed in the meantime.
		t.SetHandler(transient)
		return false
	}
	r.log.Debug().Str("remote_addr", t.RemoteAddr()).Msg("session resumed")
	return true
}

func (r *Registry) remove(c *session.Conn, voluntary bool) {
	r.mu.Lock()
	if cur, ok := r.sessions[c.ID()]; !ok || cur != c {
		// Never registered: it completed its handshake after Close.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, c.ID())
	count := len(r.sessions)
	r.mu.Unlock()

	r.log.Info().Bool("voluntary", voluntary).Int("sessions", count).Msg("session disconnected")
	if r.cfg.OnDisconnect != nil {
		r.cfg.OnDisconnect(c, voluntary)
	}
}

// Sessions returns the registered sessions.
func (r *Registry) Sessions() []tether.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tether.Session, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	return out
}

// Session returns the registered session with the given identity.
func (r *Registry) Session(id string) (tether.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast sends an event to every registered session. Sessions without a
// transport are skipped.
func (r *Registry) Broadcast(ctx context.Context, eventType string, payload any) error {
	frame, err := session.Encode(eventType, payload)
	if err != nil {
		return err
	}

	r.mu.RLock()
	targets := make([]*session.Conn, 0, len(r.sessions))
	for _, c := range r.sessions {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.SendFrame(ctx, frame); err != nil {
			r.log.Debug().Err(err).Str("event", eventType).Msg("broadcast skipped session")
		}
	}
	return nil
}

// SendTo sends an event to the registered session with the given identity.
func (r *Registry) SendTo(ctx context.Context, id string, eventType string, payload any) error {
	r.mu.RLock()
	c, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return tether.ErrSessionNotFound
	}
	return c.Send(ctx, eventType, payload)
}

// Close stops accepting transports and disconnects every session, telling
// each client to go away. It waits until every session has finished its
// disconnect grace delay, or until ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	targets := make([]*session.Conn, 0, len(r.sessions))
	for _, c := range r.sessions {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.Disconnect(true)
	}
	for _, c := range targets {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
