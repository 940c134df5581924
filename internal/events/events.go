package events

import (
	"sync"
	"time"
)

// Event names broadcast to observers.
const (
	ProcessStarted   = "process-started"
	ProcessFinished  = "process-finished"
	ProcessKillError = "process-kill-error"
	AgentState       = "agent-state"
)

// Event is a named broadcast with an arbitrary JSON-encodable payload.
type Event struct {
	Name    string    `json:"event"`
	Project string    `json:"project,omitempty"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

// New stamps an event with the current time.
func New(name, project string, data any) Event {
	return Event{Name: name, Project: project, Data: data, At: time.Now().UTC()}
}

// Sink receives broadcast events. Delivery is best-effort: Emit must not
// block on slow observers and never reports failure to the caller.
// Implementations must be safe for concurrent use.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multi []Sink

// Multi fans each event out to all non-nil sinks in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps every emitted event in memory. Useful for tests and for
// embedding callers that poll instead of subscribing.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
