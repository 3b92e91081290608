package connection

import (
	"context"

	"github.com/crisiscenter/crisis-relay/internal/bus"
)

const eventSource = "connection-registry"

func (r *Registry) publish(topic string, payload any) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(topic, eventSource, payload)
	if err := r.bus.Publish(context.Background(), topic, event); err != nil {
		r.log.Debug("Lifecycle event not published", "topic", topic, "error", err)
	}
}
