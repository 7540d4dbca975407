// Package mock provides a recording implementation of observe.Sink for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/switchboard/internal/observe"
)

// Sink records every event it receives. It is safe for concurrent use.
type Sink struct {
	mu          sync.Mutex
	transitions []observe.TransitionEvent
	turns       []observe.TurnEvent
	lifecycle   []observe.LifecycleEvent
}

var _ observe.Sink = (*Sink)(nil)

// Transition implements observe.Sink.
func (s *Sink) Transition(_ context.Context, ev observe.TransitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, ev)
}

// TurnCompleted implements observe.Sink.
func (s *Sink) TurnCompleted(_ context.Context, ev observe.TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, ev)
}

// Lifecycle implements observe.Sink.
func (s *Sink) Lifecycle(_ context.Context, ev observe.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = append(s.lifecycle, ev)
}

// Transitions returns a copy of the recorded transitions in order.
func (s *Sink) Transitions() []observe.TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observe.TransitionEvent(nil), s.transitions...)
}

// Turns returns a copy of the recorded turn events in order.
func (s *Sink) Turns() []observe.TurnEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observe.TurnEvent(nil), s.turns...)
}

// LifecycleEvents returns a copy of the recorded lifecycle events in order.
func (s *Sink) LifecycleEvents() []observe.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observe.LifecycleEvent(nil), s.lifecycle...)
}

// Path returns the recorded transitions as "FROM>TO" strings.
func (s *Sink) Path() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.transitions))
	for i, ev := range s.transitions {
		out[i] = ev.From + ">" + ev.To
	}
	return out
}

// CountTransition returns how many from→to transitions were recorded.
func (s *Sink) CountTransition(from, to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.transitions {
		if ev.From == from && ev.To == to {
			n++
		}
	}
	return n
}

// Reset clears all recorded events.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = nil
	s.turns = nil
	s.lifecycle = nil
}
