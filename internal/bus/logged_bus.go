package bus

import (
	"context"

	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
)

// LoggedBus wraps another Bus and records every delivered event to disk so
// ingested domain events can be inspected and replayed.
type LoggedBus struct {
	inner       Bus
	eventLogger *EventLogger
	log         *logger.Logger
}

// NewLoggedBus creates a new logged bus that wraps an inner bus.
func NewLoggedBus(inner Bus, eventLogger *EventLogger, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{
		inner:       inner,
		eventLogger: eventLogger,
		log:         log,
	}
}

// Publish logs the event and then delegates to the inner bus.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	b.record(topic, event)
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe delegates to the inner bus. Cross-process buses deliver events
// that never passed through Publish here, so those deliveries are recorded too.
func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if _, inProcess := b.inner.(*MemoryBus); inProcess {
		return b.inner.Subscribe(ctx, topic, handler)
	}
	return b.inner.Subscribe(ctx, topic, func(ctx context.Context, event Event) error {
		b.record(topic, event)
		return handler(ctx, event)
	})
}

func (b *LoggedBus) record(topic string, event Event) {
	if err := b.eventLogger.Log(topic, event); err != nil {
		b.log.Warn("Failed to log event to disk",
			"topic", topic,
			"error", err.Error(),
		)
	}
}

// Close closes both the event logger and the inner bus.
func (b *LoggedBus) Close() error {
	if err := b.eventLogger.Close(); err != nil {
		b.log.Warn("Failed to close event logger",
			"error", err.Error(),
		)
	}

	return b.inner.Close()
}
