package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/tether"
)

// collector records frames and the close notification of one transport.
type collector struct {
	mu       sync.Mutex
	frames   [][]byte
	received chan struct{}
	closed   chan error
}

func newCollector() *collector {
	return &collector{
		received: make(chan struct{}, 1024),
		closed:   make(chan error, 1),
	}
}

func (c *collector) HandleMessage(_ Transport, data []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	c.received <- struct{}{}
}

func (c *collector) HandleClose(_ Transport, err error) {
	c.closed <- err
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d frames", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *collector) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClose not called")
		return nil
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	got := newCollector()
	b.Start(got)
	a.Start(newCollector())
	defer a.Close()

	const n = 100
	for i := 0; i < n; i++ {
		if err := a.Send(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	frames := got.wait(t, n)
	for i, f := range frames {
		if len(f) != 1 || f[0] != byte(i) {
			t.Fatalf("frame %d = %v, want [%d]", i, f, i)
		}
	}
}

func TestPipeSendCopiesFrame(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	got := newCollector()
	b.Start(got)
	defer a.Close()

	data := []byte("hello")
	if err := a.Send(context.Background(), data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	data[0] = 'j'

	frames := got.wait(t, 1)
	if string(frames[0]) != "hello" {
		t.Errorf("frame = %q, want %q", frames[0], "hello")
	}
}

func TestPipeCloseClosesBothEnds(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	ca, cb := newCollector(), newCollector()
	a.Start(ca)
	b.Start(cb)

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ca.waitClosed(t)
	cb.waitClosed(t)

	if a.IsAlive() || b.IsAlive() {
		t.Error("both ends should be closed")
	}
	if err := a.Send(context.Background(), []byte("x")); !errors.Is(err, tether.ErrClosed) {
		t.Errorf("Send() after close error = %v, want %v", err, tether.ErrClosed)
	}
}

func TestPipeDeliversQueuedFramesBeforeClose(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	for i := 0; i < 3; i++ {
		if err := a.Send(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	a.Close()

	got := newCollector()
	b.Start(got)

	if frames := got.wait(t, 3); len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	got.waitClosed(t)
}

func TestPipeSetHandler(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	first, second := newCollector(), newCollector()
	b.Start(first)
	defer a.Close()

	a.Send(context.Background(), []byte("one"))
	first.wait(t, 1)

	b.SetHandler(second)
	a.Send(context.Background(), []byte("two"))

	frames := second.wait(t, 1)
	if string(frames[0]) != "two" {
		t.Errorf("frame = %q, want %q", frames[0], "two")
	}
}

func TestPipeRemoteAddr(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	defer a.Close()

	if a.RemoteAddr() != "pipe-b" {
		t.Errorf("a.RemoteAddr() = %q, want pipe-b", a.RemoteAddr())
	}
	if b.RemoteAddr() != "pipe-a" {
		t.Errorf("b.RemoteAddr() = %q, want pipe-a", b.RemoteAddr())
	}
}
