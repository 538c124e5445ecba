package upstream

import "onemcp/pkg/logging"

// EventKind identifies which of the supervisor's two published event types
// an Event carries.
type EventKind int

const (
	EventCapabilitiesUpdated EventKind = iota
	EventStatusChanged
)

// Event is published to every subscriber on a server-capabilities-updated or
// status-changed transition.
type Event struct {
	Kind   EventKind
	Server string
	Old    Status // only meaningful for EventStatusChanged
	New    Status // only meaningful for EventStatusChanged
}

// subscriberBufferSize bounds the per-subscriber channel so a slow
// subscriber never blocks the supervisor.
const subscriberBufferSize = 64

// Subscription is a bounded channel of supervisor events. Callers must
// drain it; on a full buffer the event is dropped with a log line rather
// than blocking the supervisor.
type Subscription struct {
	ch chan Event
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

type eventBus struct {
	subs []chan Event
}

func (b *eventBus) subscribe() *Subscription {
	ch := make(chan Event, subscriberBufferSize)
	b.subs = append(b.subs, ch)
	return &Subscription{ch: ch}
}

func (b *eventBus) publish(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("UpstreamSupervisor", "event subscriber buffer full, dropping %v event for %s", ev.Kind, ev.Server)
		}
	}
}
