package events

import (
	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
)

// ChannelEventBus implements the public events.Bus interface using a buffered
// Go channel. It provides a simple, in-process, decoupled event distribution
// mechanism for listeners running in the same process as the engine. Its
// primary characteristic is non-blocking emission: the engine never waits for
// a slow listener.
type ChannelEventBus struct {
	// channel holds events pending delivery.
	channel chan events.Event
	// log reports internal conditions such as dropped events.
	log opflowlog.Logger
}

// NewChannelEventBus creates a new ChannelEventBus with the specified buffer
// size. If bufferSize is non-positive a default of 100 is used. Panics if the
// provided logger is nil; the bus cannot report drops without one.
func NewChannelEventBus(bufferSize int, log opflowlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}

	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit sends an event onto the internal buffered channel. The send is
// non-blocking: if the buffer is full the event is dropped and a warning
// logged, keeping the engine core unaffected by listener backpressure.
func (c *ChannelEventBus) Emit(event events.Event) {
	select {
	case c.channel <- event:
		c.log.Debugf("Emitted event type '%s'", event.Type)
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel returns the underlying event channel for consumers. This method
// is specific to the ChannelEventBus implementation and is NOT part of the
// public events.Bus interface. The returned channel is read-only.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the underlying event channel, signaling consumers reading from
// GetChannel() that no more events will be sent.
func (c *ChannelEventBus) Close() {
	c.log.Debugf("Closing ChannelEventBus channel.")
	close(c.channel)
}

// Ensure ChannelEventBus implements the public events.Bus interface at compile time.
var _ events.Bus = (*ChannelEventBus)(nil)
