package notify

import (
	"fmt"

	evbus "github.com/asaskevich/EventBus"
)

// TopicAll receives every event regardless of kind.
const TopicAll = "notify"

// Bus publishes events on an in-process event bus. Subscribers run
// asynchronously so publishing never blocks the engine.
type Bus struct {
	bus evbus.Bus
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func topic(kind Kind) string {
	return TopicAll + "." + string(kind)
}

// Notify publishes ev on its kind topic and on TopicAll.
func (b *Bus) Notify(ev Event) {
	b.bus.Publish(topic(ev.Kind), ev)
	b.bus.Publish(TopicAll, ev)
}

// Subscribe registers fn for one kind. Handlers for the same topic run one
// at a time.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) error {
	if err := b.bus.SubscribeAsync(topic(kind), fn, true); err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", kind, err)
	}
	return nil
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn func(Event)) error {
	if err := b.bus.SubscribeAsync(TopicAll, fn, true); err != nil {
		return fmt.Errorf("notify: subscribe all: %w", err)
	}
	return nil
}

// Forward subscribes sink to every event.
func (b *Bus) Forward(sink Sink) error {
	return b.SubscribeAll(sink.Notify)
}

// Wait blocks until all async handlers have returned.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
