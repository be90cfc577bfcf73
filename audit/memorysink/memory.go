// Package memorysink provides an in-memory audit.Sink suitable for tests,
// development, and single-process deployments. Events are held in a bounded
// ring; once capacity is reached the oldest events are dropped. All state is
// ephemeral and discarded on process exit.
package memorysink

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/audit"
)

// DefaultCapacity bounds the ring when no capacity is given.
const DefaultCapacity = 1024

// Sink is a bounded in-memory audit trail.
type Sink struct {
	mu     sync.Mutex
	events []audit.Event
	start  int
	count  int
}

// New returns a Sink retaining at most capacity events. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{events: make([]audit.Event, capacity)}
}

// Record implements audit.Sink.
func (s *Sink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < len(s.events) {
		s.events[(s.start+s.count)%len(s.events)] = ev
		s.count++
		return nil
	}
	s.events[s.start] = ev
	s.start = (s.start + 1) % len(s.events)
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (s *Sink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.events[(s.start+i)%len(s.events)]
	}
	return out
}

// Len reports the number of retained events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
