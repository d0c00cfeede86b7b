package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher for worker lifecycle broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers of its concrete type.
// Usage: bus.Publish(WorkerStartedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event dispatches on the static type, so unwrap the interface
	switch e := ev.(type) {
	case WorkerStartedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerDiedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerClosedEvent:
		event.Publish(b.dispatcher, e)
	case RouterCreatedEvent:
		event.Publish(b.dispatcher, e)
	case SettingsAppliedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	case WorkerUsageEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects the events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e WorkerDiedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(WorkerStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerDiedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerClosedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RouterCreatedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SettingsAppliedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerUsageEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeToChannel forwards events of type T to ch for handlers that
// select over several sources, such as the SSE streams. An event is
// dropped rather than blocking the publisher when ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
