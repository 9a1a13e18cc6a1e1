// Package notify carries fire-and-forget events from the engine to the UI
// and alerting collaborators.
package notify

import (
	"sync"
	"time"
)

// Kind names a notification.
type Kind string

const (
	KindFraudAlert        Kind = "fraud_alert"
	KindFraudBlocked      Kind = "fraud_blocked"
	KindSessionExpired    Kind = "session_expired"
	KindSessionLockout    Kind = "session_lockout"
	KindHaptic            Kind = "haptic"
	KindAuthRetryRequired Kind = "auth_retry_required"
	KindQueueDrained      Kind = "queue_drained"
	KindBinaryTamper      Kind = "binary_tamper"
)

// Event is a single notification.
type Event struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Time    time.Time         `json:"time"`
}

// Sink receives notifications. Notify must not block on UI acknowledgment.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Notify calls f(ev).
func (f SinkFunc) Notify(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Notify(ev Event) {
	for _, s := range m {
		s.Notify(ev)
	}
}

// Recorder keeps every event it receives. Used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records ev.
func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
