package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/tether/internal/protocol"
	"github.com/luciancaetano/tether/internal/transport"
)

const waitTimeout = 2 * time.Second

type closedEvent struct {
	id        string
	voluntary bool
}

// testServer wires server sessions together the way the registry does,
// over in-memory pipes.
type testServer struct {
	cfg Config

	mu        sync.Mutex
	next      int
	sessions  map[string]*Conn
	clientEnd *transport.PipeEnd
	onAccept  func(*Conn)
	closed    chan closedEvent
}

func newTestServer(cfg Config) *testServer {
	return &testServer{
		cfg:      cfg,
		sessions: make(map[string]*Conn),
		closed:   make(chan closedEvent, 16),
	}
}

func (s *testServer) accept(t transport.Transport) *Conn {
	s.mu.Lock()
	s.next++
	id := fmt.Sprintf("%08d-0000-4000-8000-000000000000", s.next)
	onAccept := s.onAccept
	s.mu.Unlock()

	c := NewConn(id, s.cfg, Hooks{
		Established: func(c *Conn) {
			s.mu.Lock()
			s.sessions[c.ID()] = c
			s.mu.Unlock()
		},
		Reconnect: func(c *Conn, t transport.Transport, identity string) bool {
			s.mu.Lock()
			existing, ok := s.sessions[identity]
			s.mu.Unlock()
			if !ok {
				return false
			}
			if !existing.Reattach(t) {
				t.SetHandler(c)
				return false
			}
			return true
		},
		Closed: func(c *Conn, voluntary bool) {
			s.mu.Lock()
			delete(s.sessions, c.ID())
			s.mu.Unlock()
			s.closed <- closedEvent{id: c.ID(), voluntary: voluntary}
		},
	})
	if onAccept != nil {
		onAccept(c)
	}
	c.Start(t)
	return c
}

func (s *testServer) dial(_ context.Context, _ string) (transport.Transport, error) {
	a, b := transport.Pipe()
	s.mu.Lock()
	s.clientEnd = a
	s.mu.Unlock()
	s.accept(b)
	return a, nil
}

func (s *testServer) session(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	return c, ok
}

func (s *testServer) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *testServer) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// dropClientTransport closes the newest client transport as a network
// failure would.
func (s *testServer) dropClientTransport() {
	s.mu.Lock()
	end := s.clientEnd
	s.mu.Unlock()
	_ = end.Close()
}

type frame struct {
	eventType string
	payload   []byte
}

// recorder is a raw peer that records decoded frames.
type recorder struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		frames: make(chan frame, 256),
		closed: make(chan struct{}),
	}
}

func (r *recorder) HandleMessage(_ transport.Transport, data []byte) {
	eventType, payload, err := protocol.Decode(data)
	if err != nil {
		return
	}
	r.frames <- frame{eventType: eventType, payload: payload}
}

func (r *recorder) HandleClose(transport.Transport, error) {
	r.once.Do(func() { close(r.closed) })
}

// expect waits for the next frame of eventType, skipping any others.
func (r *recorder) expect(t *testing.T, eventType string) frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-r.frames:
			if f.eventType == eventType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", eventType)
			return frame{}
		}
	}
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(waitTimeout):
		t.Fatal("transport not closed")
	}
}

func send(t *testing.T, tr transport.Transport, eventType string, payload any) {
	t.Helper()
	data, err := Encode(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), data))
}

func waitClosedEvent(t *testing.T, ch <-chan closedEvent) closedEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("session not closed")
		return closedEvent{}
	}
}

func connectClient(t *testing.T, s *testServer, cfg ClientConfig) *Client {
	t.Helper()
	cfg.Dial = s.dial
	c := NewClient("pipe://test", cfg)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)
	return c
}
