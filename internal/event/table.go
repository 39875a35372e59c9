// Package event maps event type discriminators to handlers.
package event

import "sync"

// Handler receives the raw JSON payload of an event. The payload is nil when
// the event carried no data.
type Handler func(payload []byte)

// Table is a concurrent-safe discriminator to handler registry. Registering a
// type that already has a handler replaces it.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds handler to eventType. A nil handler unregisters the type.
func (t *Table) Register(eventType string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handler == nil {
		delete(t.handlers, eventType)
		return
	}
	t.handlers[eventType] = handler
}

// Unregister removes the handler bound to eventType, if any.
func (t *Table) Unregister(eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, eventType)
}

// Dispatch calls the handler bound to eventType and reports whether one was
// found. The handler runs on the caller's goroutine, outside the table lock.
func (t *Table) Dispatch(eventType string, payload []byte) bool {
	t.mu.RLock()
	handler, ok := t.handlers[eventType]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	handler(payload)
	return true
}

// Has reports whether eventType has a handler.
func (t *Table) Has(eventType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[eventType]
	return ok
}

// Len returns the number of registered handlers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
