package events

import (
	"sort"
	"sync"
)

// Event names emitted by the persistence engine.
const (
	SessionSaved   = "session_saved"
	SessionLoaded  = "session_loaded"
	SessionCleared = "session_cleared"
	ChangesDropped = "changes_dropped"
)

// Handler receives an event name and its payload.
type Handler func(event string, payload interface{})

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	event string
	id    int
}

// Emitter is a per-event listener registry. A panicking handler never
// prevents other handlers for the same event from running, and never
// aborts the emitting operation.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for the named event.
func (e *Emitter) Subscribe(event string, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]Handler)
	}
	e.handlers[event][e.nextID] = h
	return Subscription{event: event, id: e.nextID}
}

// Unsubscribe removes a previously registered handler.
func (e *Emitter) Unsubscribe(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if hs, ok := e.handlers[sub.event]; ok {
		delete(hs, sub.id)
	}
}

// Emit calls every handler registered for the event, in registration
// order. Handler panics are swallowed.
func (e *Emitter) Emit(event string, payload interface{}) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.handlers[event]))
	for id := range e.handlers[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, e.handlers[event][id])
	}
	e.mu.RUnlock()

	for _, h := range hs {
		call(h, event, payload)
	}
}

func call(h Handler, event string, payload interface{}) {
	defer func() {
		_ = recover()
	}()
	h(event, payload)
}

// ListenerCount returns the number of handlers registered for the event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
