package metrics

import (
	"context"

	"github.com/crisiscenter/crisis-relay/internal/bus"
)

// EventSubscriber subscribes to relay lifecycle events and updates metrics.
type EventSubscriber struct {
	metrics *Metrics
	bus     bus.Bus
}

// NewEventSubscriber creates a new event subscriber.
func NewEventSubscriber(metrics *Metrics, eventBus bus.Bus) *EventSubscriber {
	return &EventSubscriber{
		metrics: metrics,
		bus:     eventBus,
	}
}

// SubscribeToEvents subscribes to connection lifecycle and alert events.
// Closures are recorded by the session itself, which knows the lifetime.
func (es *EventSubscriber) SubscribeToEvents(ctx context.Context) error {
	if err := es.bus.Subscribe(ctx, bus.TopicConnectionRegistered, es.handleRegistered); err != nil {
		return err
	}
	if err := es.bus.Subscribe(ctx, bus.TopicConnectionRejected, es.handleRejected); err != nil {
		return err
	}
	if err := es.bus.Subscribe(ctx, bus.TopicConnectionEvicted, es.handleEvicted); err != nil {
		return err
	}
	if err := es.bus.Subscribe(ctx, bus.TopicAlertTriggered, es.handleAlert); err != nil {
		return err
	}
	return nil
}

// Event handlers

func (es *EventSubscriber) handleRegistered(ctx context.Context, event bus.Event) error {
	es.metrics.RecordSessionOpened()
	return nil
}

func (es *EventSubscriber) handleRejected(ctx context.Context, event bus.Event) error {
	var p bus.RejectedPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		return err
	}
	es.metrics.RecordSessionRejected(p.Reason)
	return nil
}

func (es *EventSubscriber) handleEvicted(ctx context.Context, event bus.Event) error {
	es.metrics.Evictions.Inc()
	return nil
}

func (es *EventSubscriber) handleAlert(ctx context.Context, event bus.Event) error {
	var a bus.Alert
	if err := bus.DecodePayload(event, &a); err != nil || a.Type == "" {
		a.Type = "unknown"
	}
	es.metrics.Alerts.WithLabels(a.Type).Inc()
	return nil
}
