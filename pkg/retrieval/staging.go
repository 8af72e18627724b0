package retrieval

import (
	"sync"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
)

// Staging is the in-memory map unioned over durable storage (spec §4.1).
// It is shared across concurrent comparisons on the same entity;
// concurrent writers are protected by a single RWMutex on the map itself
// (spec §5). Writes are append-only until a commit removes an entry —
// recoverable errors never roll back a staged event: it just sits there,
// inert, until a later successful apply commits it or the process
// restarts.
type Staging struct {
	mu     sync.RWMutex
	events map[clock.EventId]event.Event
}

// NewStaging constructs an empty staging map.
func NewStaging() *Staging {
	return &Staging{events: make(map[clock.EventId]event.Event)}
}

// Put stages an event. Staging an already-staged event is idempotent.
func (s *Staging) Put(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

// Get returns the staged event for id, if any.
func (s *Staging) Get(id clock.EventId) (event.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

// Remove drops id from staging (called after a durable commit).
func (s *Staging) Remove(id clock.EventId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
}

// Contains reports whether id is currently staged.
func (s *Staging) Contains(id clock.EventId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok
}
