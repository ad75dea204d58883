package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Listener receives the raw JSON args array of an event.
type Listener func(args json.RawMessage) error

// ListenerID identifies a registration so it can be removed.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// ListenerMap maps event names to listeners kept in registration order.
type ListenerMap struct {
	mu      sync.RWMutex
	nextID  ListenerID
	entries map[string][]listenerEntry
}

// NewListenerMap creates an empty listener map
func NewListenerMap() *ListenerMap {
	return &ListenerMap{
		entries: make(map[string][]listenerEntry),
	}
}

// Add registers fn for event and returns its ID.
func (m *ListenerMap) Add(event string, fn Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.entries[event] = append(m.entries[event], listenerEntry{id: m.nextID, fn: fn})
	return m.nextID
}

// Remove unregisters a listener. Reports whether it was registered.
func (m *ListenerMap) Remove(event string, id ListenerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[event]
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]listenerEntry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(m.entries, event)
		} else {
			m.entries[event] = next
		}
		return true
	}
	return false
}

// Count returns the number of listeners for event.
func (m *ListenerMap) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[event])
}

// Clear removes every listener.
func (m *ListenerMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]listenerEntry)
}

// Dispatch calls every listener for event in registration order. A listener
// that errors or panics does not stop the others; its failure is returned.
func (m *ListenerMap) Dispatch(event string, args json.RawMessage) []*ListenerError {
	m.mu.RLock()
	list := m.entries[event]
	m.mu.RUnlock()

	var errs []*ListenerError
	for _, e := range list {
		if err := invokeListener(e.fn, args); err != nil {
			errs = append(errs, &ListenerError{Event: event, Listener: e.id, Err: err})
		}
	}
	return errs
}

func invokeListener(fn Listener, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(args)
}
