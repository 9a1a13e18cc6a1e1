// Package connectivity tracks whether payment gateways are reachable and
// tells subscribers when that changes.
package connectivity

import (
	"sync"
	"time"
)

// Event is a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Observer delivers connectivity transitions.
type Observer interface {
	Subscribe() (<-chan Event, func())
}

// Monitor is an Observer driven by explicit Set calls from the host
// (an OS network callback, an HTTP endpoint, a CLI flag).
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	nextID int
	now    func() time.Time
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan Event), now: time.Now}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state. Subscribers are notified only on a change.
// A subscriber that is not keeping up misses intermediate events but
// always sees the latest one.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	ev := Event{Online: online, At: m.now()}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// drop the stale event and keep the newest
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a cancel func that
// closes it.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}
