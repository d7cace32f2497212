package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for pipeline events.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers. Publishing on a nil bus is a
// no-op so pipelines can run without one.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case DecoderStartedEvent:
		event.Publish(b.dispatcher, e)
	case DecoderStoppedEvent:
		event.Publish(b.dispatcher, e)
	case FormatNegotiatedEvent:
		event.Publish(b.dispatcher, e)
	case DecoderErrorEvent:
		event.Publish(b.dispatcher, e)
	case PacketDroppedEvent:
		event.Publish(b.dispatcher, e)
	case DecoderMetricsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function. The handler's
// parameter type selects the events it receives. Returns an unsubscribe
// function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e FormatNegotiatedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(DecoderStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DecoderStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FormatNegotiatedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DecoderErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PacketDroppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DecoderMetricsEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
