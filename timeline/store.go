// Package timeline keeps a bounded in-memory log of per-request scheduling
// events for debugging and the admin API.
package timeline

import (
	"sync"
	"time"
)

// Stages a request moves through inside the scheduler.
const (
	StageQueued     = "QUEUED"
	StageDispatched = "DISPATCHED"
	StageRetry      = "RETRY_WAIT"
	StageCompleted  = "COMPLETED"
	StageFailed     = "FAILED"
	StageReset      = "RESET"
)

// Event is one scheduling transition for one request.
type Event struct {
	RequestID string    `json:"request_id"`
	Service   string    `json:"service"`
	Stage     string    `json:"stage"`
	Priority  int       `json:"priority,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultCapacity bounds the log when NewStore is given zero.
const DefaultCapacity = 4096

// Store is a capped, append-only event log. Oldest events are discarded once
// the cap is reached.
type Store struct {
	mu     sync.RWMutex
	events []Event
	cap    int
}

// NewStore creates a log holding at most capacity events (DefaultCapacity if
// capacity <= 0).
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		events: make([]Event, 0, capacity),
		cap:    capacity,
	}
}

// Record appends an event, stamping it if the caller did not.
func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if len(s.events) == s.cap {
		copy(s.events, s.events[1:])
		s.events = s.events[:s.cap-1]
	}
	s.events = append(s.events, e)
}

// ByRequest returns all events recorded for one request id, oldest first.
func (s *Store) ByRequest(requestID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for _, e := range s.events {
		if e.RequestID == requestID {
			results = append(results, e)
		}
	}
	return results
}

// ByService returns all events recorded for one service, oldest first.
func (s *Store) ByService(service string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for _, e := range s.events {
		if e.Service == service {
			results = append(results, e)
		}
	}
	return results
}

// All returns a copy of every retained event.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]Event, len(s.events))
	copy(c, s.events)
	return c
}
