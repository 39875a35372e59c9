package transport

import (
	"context"
	"sync"

	"github.com/luciancaetano/tether"
)

// Pipe returns two connected in-memory transports. Frames sent on one end
// are delivered to the other; closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	link := &pipeLink{done: make(chan struct{})}
	a := &PipeEnd{link: link, inbox: make(chan []byte, sendBufferSize), addr: "pipe-a"}
	b := &PipeEnd{link: link, inbox: make(chan []byte, sendBufferSize), addr: "pipe-b"}
	a.peer, b.peer = b, a
	return a, b
}

type pipeLink struct {
	once sync.Once
	done chan struct{}
}

func (l *pipeLink) close() bool {
	closed := false
	l.once.Do(func() {
		close(l.done)
		closed = true
	})
	return closed
}

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	link  *pipeLink
	peer  *PipeEnd
	inbox chan []byte
	addr  string

	mu      sync.RWMutex
	handler Handler
	started bool
}

// Start begins delivering frames sent by the peer to h.
func (p *PipeEnd) Start(h Handler) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.handler = h
	p.mu.Unlock()

	go p.readLoop()
}

// SetHandler replaces the handler receiving subsequent frames.
func (p *PipeEnd) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *PipeEnd) currentHandler() Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handler
}

// Send delivers a copy of data to the peer's inbox.
func (p *PipeEnd) Send(ctx context.Context, data []byte) error {
	if !p.IsAlive() {
		return tether.ErrClosed
	}
	frame := append([]byte(nil), data...)

	select {
	case p.peer.inbox <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.link.done:
		return tether.ErrClosed
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.link.close()
	return nil
}

// CloseWithCode closes both ends; the code and reason are not transmitted.
func (p *PipeEnd) CloseWithCode(int, string) error {
	return p.Close()
}

// IsAlive reports whether the pipe is open.
func (p *PipeEnd) IsAlive() bool {
	select {
	case <-p.link.done:
		return false
	default:
		return true
	}
}

// RemoteAddr returns a fixed label naming the peer end.
func (p *PipeEnd) RemoteAddr() string {
	return p.peer.addr
}

func (p *PipeEnd) readLoop() {
	for {
		select {
		case frame := <-p.inbox:
			p.deliver(frame)
		case <-p.link.done:
			// Frames queued before the close are still delivered, as a
			// stream socket would.
			for {
				select {
				case frame := <-p.inbox:
					p.deliver(frame)
				default:
					if h := p.currentHandler(); h != nil {
						h.HandleClose(p, nil)
					}
					return
				}
			}
		}
	}
}

func (p *PipeEnd) deliver(frame []byte) {
	if h := p.currentHandler(); h != nil {
		h.HandleMessage(p, frame)
	}
}
