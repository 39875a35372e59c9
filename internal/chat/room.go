// Package chat is the chat room served by tether-server and used by
// tether-chat.
package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/tether"
)

// Chat event types.
const (
	EventMessage    = "chat"
	EventSetName    = "set-name"
	EventGetUsers   = "get-users"
	EventUsers      = "users"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventWelcome    = "welcome"
)

const maxNameLength = 32

type Message struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// User is the public view of a member. Handle is a random public id; the
// session identity is never shared.
type User struct {
	Handle   string    `json:"handle"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

type SetName struct {
	Name string `json:"name"`
}

// Broadcaster is the part of tether.Server a Room needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType string, payload any) error
}

// Room tracks members by session identity and relays their messages.
type Room struct {
	log zerolog.Logger
	out Broadcaster

	mu    sync.RWMutex
	users map[string]*User
}

func NewRoom(logger zerolog.Logger) *Room {
	return &Room{
		log:   logger,
		users: make(map[string]*User),
	}
}

// Bind sets the server used for broadcasts. It must be called before the
// server starts accepting sessions.
func (r *Room) Bind(out Broadcaster) {
	r.out = out
}

// Join is the server's OnConnect callback.
func (r *Room) Join(s tether.Session) {
	handle := uuid.NewString()[:8]
	user := &User{
		Handle:   handle,
		Name:     "guest-" + handle[:4],
		JoinedAt: time.Now(),
	}

	r.mu.Lock()
	r.users[s.ID()] = user
	r.mu.Unlock()

	tether.On(s, EventMessage, func(msg Message) { r.message(s, msg) })
	tether.On(s, EventSetName, func(req SetName) { r.rename(s, req) })
	s.On(EventGetUsers, func([]byte) { r.sendUsers(s) })

	r.log.Info().Str("user", user.Name).Str("remote_addr", s.RemoteAddr()).Msg("user joined")
	_ = s.Send(s.Context(), EventWelcome, *user)
	r.broadcast(EventUserJoined, *user)
}

// Leave is the server's OnDisconnect callback.
func (r *Room) Leave(s tether.Session, voluntary bool) {
	r.mu.Lock()
	user, ok := r.users[s.ID()]
	delete(r.users, s.ID())
	r.mu.Unlock()
	if !ok {
		return
	}

	r.log.Info().Str("user", user.Name).Bool("voluntary", voluntary).Msg("user left")
	r.broadcast(EventUserLeft, *user)
}

// Users returns the members sorted by join time.
func (r *Room) Users() []User {
	r.mu.RLock()
	users := make([]User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].JoinedAt.Before(users[j].JoinedAt) })
	return users
}

func (r *Room) message(s tether.Session, msg Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	r.mu.RLock()
	user, ok := r.users[s.ID()]
	var name string
	if ok {
		name = user.Name
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.broadcast(EventMessage, Message{From: name, Text: text, Timestamp: time.Now()})
}

func (r *Room) rename(s tether.Session, req SetName) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		return
	}

	r.mu.Lock()
	user, ok := r.users[s.ID()]
	if ok {
		user.Name = name
	}
	var snapshot User
	if ok {
		snapshot = *user
	}
	r.mu.Unlock()

	if ok {
		r.broadcast(EventUserJoined, snapshot)
	}
}

func (r *Room) sendUsers(s tether.Session) {
	if err := s.Send(s.Context(), EventUsers, r.Users()); err != nil {
		r.log.Debug().Err(err).Msg("send users")
	}
}

func (r *Room) broadcast(eventType string, payload any) {
	if r.out == nil {
		return
	}
	if err := r.out.Broadcast(context.Background(), eventType, payload); err != nil {
		r.log.Warn().Err(err).Str("event", eventType).Msg("broadcast failed")
	}
}
