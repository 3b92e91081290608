// Package bus provides the event bus that carries domain events from the
// external store into the relay and lifecycle events out of it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "incident.updated", "connection.closed").
	Type string `json:"type"`

	// Source is the service that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links related events (e.g., the store transaction that caused them).
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent builds an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// DecodePayload copies the event payload into out. In-process buses deliver
// the original Go value; buses that cross the wire deliver decoded JSON, so
// anything that is not already the right type is round-tripped through JSON.
func DecodePayload(event Event, out any) error {
	switch p := event.Payload.(type) {
	case nil:
		return fmt.Errorf("event %s has no payload", event.ID)
	case json.RawMessage:
		return json.Unmarshal(p, out)
	case []byte:
		return json.Unmarshal(p, out)
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("re-encoding payload of event %s: %w", event.ID, err)
	}
	return json.Unmarshal(data, out)
}

// Domain topics published by the external store after commit.
const (
	TopicIncidentCreated   = "incident.created"
	TopicIncidentUpdated   = "incident.updated"
	TopicIncidentEscalated = "incident.escalated"
	TopicResponderAssigned = "responder.assigned"
	TopicNGOReport         = "ngo.report"
	TopicUserNotification  = "user.notification"

	// TopicRelayPublish carries a ready-made {topic, kind, payload} triple.
	TopicRelayPublish = "relay.publish"
)

// Lifecycle topics published by the relay.
const (
	TopicConnectionRegistered = "connection.registered"
	TopicConnectionClosed     = "connection.closed"
	TopicConnectionEvicted    = "connection.evicted"
	TopicConnectionRejected   = "connection.rejected"
	TopicAlertTriggered       = "relay.alert"
)

// DomainTopics lists every topic the ingest bridge consumes.
var DomainTopics = []string{
	TopicIncidentCreated,
	TopicIncidentUpdated,
	TopicIncidentEscalated,
	TopicResponderAssigned,
	TopicNGOReport,
	TopicUserNotification,
	TopicRelayPublish,
}
