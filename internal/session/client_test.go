package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/tether"
	"github.com/luciancaetano/tether/internal/transport"
)

func TestClient_ConnectAdoptsIdentity(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := connectClient(t, s, ClientConfig{PingInterval: -1})

	require.NotEmpty(t, c.ID())
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsAlive())

	require.Eventually(t, func() bool { return s.len() == 1 }, waitTimeout, 5*time.Millisecond)
	peer, ok := s.session(c.ID())
	require.True(t, ok)
	assert.Equal(t, StateConnected, peer.State())
}

func TestClient_ConnectTwice(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := connectClient(t, s, ClientConfig{PingInterval: -1})
	assert.Error(t, c.Connect(context.Background()))
}

func TestClient_ConnectDialError(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("refused")
	c := NewClient("pipe://test", ClientConfig{
		Dial: func(context.Context, string) (transport.Transport, error) { return nil, dialErr },
	})

	assert.ErrorIs(t, c.Connect(context.Background()), dialErr)
	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitTimeout, 5*time.Millisecond)
}

func TestClient_ConnectContextCancelled(t *testing.T) {
	t.Parallel()

	// The peer never completes the handshake.
	c := NewClient("pipe://test", ClientConfig{
		Dial: func(context.Context, string) (transport.Transport, error) {
			a, b := transport.Pipe()
			b.Start(newRecorder())
			return a, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitTimeout, 5*time.Millisecond)
}

func TestClient_EventsBothWays(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	fromClient := make(chan string, 1)
	s.onAccept = func(c *Conn) {
		tether.On(c, "chat", func(msg string) {
			fromClient <- msg
			_ = c.Send(context.Background(), "chat", "echo: "+msg)
		})
	}

	c := NewClient("pipe://test", ClientConfig{PingInterval: -1, Dial: s.dial})
	fromServer := make(chan string, 1)
	tether.On(c, "chat", func(msg string) { fromServer <- msg })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Send(context.Background(), "chat", "hi"))

	select {
	case msg := <-fromClient:
		assert.Equal(t, "hi", msg)
	case <-time.After(waitTimeout):
		t.Fatal("server did not receive event")
	}
	select {
	case msg := <-fromServer:
		assert.Equal(t, "echo: hi", msg)
	case <-time.After(waitTimeout):
		t.Fatal("client did not receive event")
	}
}

func TestClient_ResumesSessionAfterTransportLoss(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := NewClient("pipe://test", ClientConfig{PingInterval: -1, Dial: s.dial})

	resumed := make(chan bool, 4)
	c.OnConnected(func(r bool) { resumed <- r })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	require.False(t, <-resumed)

	id := c.ID()
	require.Eventually(t, func() bool { return s.len() == 1 }, waitTimeout, 5*time.Millisecond)
	peer, _ := s.session(id)

	for i := 0; i < 3; i++ {
		s.dropClientTransport()

		select {
		case r := <-resumed:
			require.True(t, r)
		case <-time.After(waitTimeout):
			t.Fatalf("reconnect %d did not complete", i+1)
		}

		assert.Equal(t, id, c.ID())
		assert.Equal(t, 1, s.len())
		got, ok := s.session(id)
		require.True(t, ok)
		assert.Same(t, peer, got)
	}

	require.Eventually(t, func() bool { return peer.State() == StateConnected }, waitTimeout, 5*time.Millisecond)
	assert.NoError(t, c.Send(context.Background(), "chat", "still here"))
}

func TestClient_RejectedReconnectStartsFreshSession(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := NewClient("pipe://test", ClientConfig{PingInterval: -1, Dial: s.dial})

	resumed := make(chan bool, 4)
	c.OnConnected(func(r bool) { resumed <- r })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	require.False(t, <-resumed)

	oldID := c.ID()
	s.forget(oldID)
	s.dropClientTransport()

	select {
	case r := <-resumed:
		assert.False(t, r)
	case <-time.After(waitTimeout):
		t.Fatal("client did not start a fresh session")
	}

	assert.NotEqual(t, oldID, c.ID())
	require.Eventually(t, func() bool {
		_, ok := s.session(c.ID())
		return ok
	}, waitTimeout, 5*time.Millisecond)
}

func TestClient_DisconnectNotifiesServer(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := connectClient(t, s, ClientConfig{PingInterval: -1})
	require.Eventually(t, func() bool { return s.len() == 1 }, waitTimeout, 5*time.Millisecond)

	var disconnected atomic.Int32
	c.OnDisconnected(func() { disconnected.Add(1) })

	c.Disconnect()

	ev := waitClosedEvent(t, s.closed)
	assert.Equal(t, c.ID(), ev.id)
	assert.True(t, ev.voluntary)

	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitTimeout, 5*time.Millisecond)
	assert.ErrorIs(t, c.Send(context.Background(), "chat", nil), tether.ErrSessionClosed)
	assert.Error(t, c.Context().Err())
	assert.Equal(t, int32(1), disconnected.Load())
	assert.Equal(t, 0, s.len())
}

func TestClient_CloseWaitsForTransport(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := connectClient(t, s, ClientConfig{PingInterval: -1})
	require.Eventually(t, func() bool { return s.len() == 1 }, waitTimeout, 5*time.Millisecond)
	s.mu.Lock()
	end := s.clientEnd
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.Close(ctx))

	assert.GreaterOrEqual(t, time.Since(start), DefaultClientGrace)
	assert.False(t, end.IsAlive())
	assert.False(t, c.IsAlive())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	ev := waitClosedEvent(t, s.closed)
	assert.True(t, ev.voluntary)
}

func TestClient_CloseHonoursContext(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := connectClient(t, s, ClientConfig{PingInterval: -1, DisconnectGrace: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_ServerDisconnectClosesClient(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := connectClient(t, s, ClientConfig{PingInterval: -1})
	require.Eventually(t, func() bool { return s.len() == 1 }, waitTimeout, 5*time.Millisecond)

	peer, _ := s.session(c.ID())
	peer.Disconnect(true)

	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitTimeout, 5*time.Millisecond)
	waitClosedEvent(t, s.closed)
}

func TestClient_ReconnectIsBounded(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	var dials atomic.Int32
	refused := errors.New("refused")

	c := NewClient("pipe://test", ClientConfig{
		PingInterval: -1,
		Dial: func(ctx context.Context, url string) (transport.Transport, error) {
			if dials.Add(1) == 1 {
				return s.dial(ctx, url)
			}
			return nil, refused
		},
	})

	closed := make(chan struct{})
	c.OnDisconnected(func() { close(closed) })
	require.NoError(t, c.Connect(context.Background()))

	s.dropClientTransport()

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("client kept reconnecting")
	}

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int32(1+DefaultMaxReconnectAttempts), dials.Load())
}

func TestClient_HandshakeResetsReconnectBound(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{})
	c := NewClient("pipe://test", ClientConfig{PingInterval: -1, MaxReconnectAttempts: 1, Dial: s.dial})

	resumed := make(chan bool, 8)
	c.OnConnected(func(r bool) { resumed <- r })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	<-resumed

	// Each successful resume makes the next transport loss recoverable again.
	for i := 0; i < 3; i++ {
		s.dropClientTransport()
		select {
		case r := <-resumed:
			require.True(t, r)
		case <-time.After(waitTimeout):
			t.Fatalf("reconnect %d did not complete", i+1)
		}
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_HeartbeatMeasuresLatency(t *testing.T) {
	t.Parallel()

	s := newTestServer(Config{PingInterval: 20 * time.Millisecond})
	c := connectClient(t, s, ClientConfig{PingInterval: 20 * time.Millisecond})
	require.Eventually(t, func() bool { return s.len() == 1 }, waitTimeout, 5*time.Millisecond)
	peer, _ := s.session(c.ID())

	require.Eventually(t, func() bool {
		return c.Latency() >= 0 && peer.Latency() >= 0
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, StateConnected, peer.State())
}

func TestClient_HeartbeatTimeoutReconnects(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var servers []*recorder
	var dials atomic.Int32

	// A peer that completes the handshake but never echoes probes.
	c := NewClient("pipe://test", ClientConfig{
		PingInterval: 30 * time.Millisecond,
		Dial: func(ctx context.Context, _ string) (transport.Transport, error) {
			dials.Add(1)
			a, b := transport.Pipe()
			rec := newRecorder()
			b.Start(rec)
			mu.Lock()
			servers = append(servers, rec)
			mu.Unlock()
			frame, err := Encode(tether.EventConnectRequest, tether.ConnectRequest{Identity: "00000000-silent"})
			if err != nil {
				return nil, err
			}
			return a, b.Send(ctx, frame)
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)

	mu.Lock()
	first := servers[0]
	mu.Unlock()
	first.waitClosed(t)

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, waitTimeout, 5*time.Millisecond)
}

func TestBackoffConfig_Delay(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackoffConfig
		attempt int
		want    time.Duration
	}{
		{"zero value is immediate", BackoffConfig{}, 3, 0},
		{"first attempt", BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2}, 1, 100 * time.Millisecond},
		{"grows", BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2}, 3, 400 * time.Millisecond},
		{"capped", BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 250 * time.Millisecond}, 5, 250 * time.Millisecond},
		{"multiplier below one", BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 0.5}, 4, 100 * time.Millisecond},
		{"attempt below one", BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2}, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Delay(tt.attempt, nil))
		})
	}
}

func TestBackoffConfig_Jitter(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		d := cfg.Delay(1, rng)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestClient_RefusesReservedHandlers(t *testing.T) {
	t.Parallel()

	c := NewClient("pipe://reserved", ClientConfig{})
	t.Cleanup(c.loop.stop)

	c.On(tether.EventReconnectRejected, func([]byte) {})
	assert.Equal(t, 0, c.handlers.Len())
}
