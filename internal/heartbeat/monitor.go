// Package heartbeat implements the session liveness probe: a repeating timer
// that sends a timestamped probe each interval and fails when the previous
// probe was not echoed by the time the next one is due.
package heartbeat

import (
	"sync"
	"time"

	"github.com/luciancaetano/tether"
)

// DefaultInterval is the probe interval used when none is configured.
const DefaultInterval = 10 * time.Second

// Config configures a Monitor.
type Config struct {
	// Interval between probes. DefaultInterval when zero or negative.
	Interval time.Duration
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces the clock used for probe timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor sends probes through send and calls onTimeout when a probe goes
// unanswered for a whole interval. It is safe for concurrent use.
type Monitor struct {
	interval  time.Duration
	send      func(timestamp int64) error
	onTimeout func()
	now       func() time.Time

	mu      sync.Mutex
	gen     uint64
	stop    chan struct{}
	running bool
	pending bool
	latency int64
}

// New creates a stopped monitor.
func New(cfg Config, send func(timestamp int64) error, onTimeout func(), opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		interval:  cfg.Interval,
		send:      send,
		onTimeout: onTimeout,
		now:       time.Now,
		latency:   tether.LatencyUnset,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start arms the repeating timer. A running timer is cancelled first, so
// restarting never leaves two timers behind. Any pending probe is forgotten.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.stopLocked()
	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	m.stop = stop
	m.running = true
	m.pending = false
	m.mu.Unlock()

	go m.loop(gen, stop)
}

// Stop cancels the timer. Latency is kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLocked()
	m.pending = false
	m.mu.Unlock()
}

func (m *Monitor) stopLocked() {
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	close(m.stop)
}

// Echo records the echo of the probe sent at timestamp: the probe is no
// longer pending and latency becomes now minus timestamp.
func (m *Monitor) Echo(timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = false
	rtt := m.now().UnixMilli() - timestamp
	if rtt < 0 {
		rtt = 0
	}
	m.latency = rtt
}

// Latency returns the last round-trip time in milliseconds, or
// tether.LatencyUnset before the first echo.
func (m *Monitor) Latency() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Pending reports whether a probe is waiting for its echo.
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Running reports whether the timer is armed.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Interval returns the probe interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

func (m *Monitor) loop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.tick(gen) {
				return
			}
		}
	}
}

// tick runs one interval and reports whether the loop should continue.
func (m *Monitor) tick(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen || !m.running {
		// Cancelled while the tick was in flight.
		m.mu.Unlock()
		return false
	}

	if m.pending {
		m.stopLocked()
		m.pending = false
		m.mu.Unlock()
		if m.onTimeout != nil {
			m.onTimeout()
		}
		return false
	}

	m.pending = true
	ts := m.now().UnixMilli()
	m.mu.Unlock()

	// A failed send leaves the probe pending; the next tick reports the timeout.
	_ = m.send(ts)
	return true
}
