package events

import (
	"context"

	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener subscribes to an opflow event bus and updates
// Prometheus metrics for conditions that surface only as events: secret
// accesses during param rendering and non-fatal rollback failures.
type MetricsEventListener struct {
	bus                    *ChannelEventBus
	log                    opflowlog.Logger
	secretsAccessCounter   prometheus.Counter
	rollbackFailureCounter prometheus.Counter
}

// NewMetricsEventListener creates a new listener bound to the given bus and
// counters. Panics if any dependency is nil; the listener is wired once at
// startup and a missing piece is a programming error.
func NewMetricsEventListener(bus *ChannelEventBus, secretsCounter, rollbackFailures prometheus.Counter, log opflowlog.Logger) *MetricsEventListener {
	if bus == nil || secretsCounter == nil || rollbackFailures == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, counters, and Logger")
	}
	return &MetricsEventListener{
		bus:                    bus,
		log:                    log.With("component", "MetricsEventListener"),
		secretsAccessCounter:   secretsCounter,
		rollbackFailureCounter: rollbackFailures,
	}
}

// Start begins listening for events on the bus. It blocks until the bus
// channel closes or the context is cancelled, so callers run it in its own
// goroutine.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

// handleEvent processes a single event, incrementing metrics as needed.
func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.SecretAccessed:
		l.secretsAccessCounter.Inc()
		l.log.Debugf("Incremented secrets access counter.")
	case events.RollbackModuleFailed:
		l.rollbackFailureCounter.Inc()
		l.log.Debugf("Incremented rollback failure counter for module '%s'.", event.ModuleID)
	}
}
