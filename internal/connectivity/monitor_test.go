package connectivity

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestSetNotifiesOnChange(t *testing.T) {
	m := NewMonitor(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	if m.Set(true) {
		t.Fatal("Set to the current state must not report a change")
	}
	if !m.Set(false) {
		t.Fatal("Set(false) reported no change")
	}
	if ev := receive(t, ch); ev.Online {
		t.Fatalf("event = %+v", ev)
	}
	if m.Online() {
		t.Fatal("Online = true")
	}
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	m := NewMonitor(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	m.Set(true)
	m.Set(false)
	if ev := receive(t, ch); ev.Online {
		t.Fatalf("expected latest event offline, got %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	m := NewMonitor(false)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	m.Set(true)
}
