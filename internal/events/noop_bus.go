package events

import "github.com/opflow-labs/opflow/pkg/opflow/v1/events"

// NoOpEventBus is the fallback implementation of the public events.Bus
// interface, used when no event handling mechanism is configured. It keeps
// emitting components free of nil checks while doing nothing itself.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new instance of the NoOpEventBus.
func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

// Emit implements the events.Bus interface method and discards the event.
func (n *NoOpEventBus) Emit(event events.Event) {
	// Intentionally does nothing.
}

// Ensure NoOpEventBus implements the public events.Bus interface at compile time.
var _ events.Bus = (*NoOpEventBus)(nil)
