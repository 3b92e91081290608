// Package ingest turns domain events from the bus into relay publishes.
//
// The external store announces committed changes on the bus; each event is
// mapped to one or more (topic, kind, payload) deliveries and handed to the
// dispatcher. Topic naming follows the channel scheme clients subscribe to:
// incident:{id}, zone:{zone}, ngo:{id}, gov:{jurisdiction}, user:{id} and
// broadcast:incidents.
package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/router"
)

// Event kinds emitted to clients.
const (
	KindIncidentCreated   = "incident.created"
	KindStatusChanged     = "status-changed"
	KindEscalation        = "escalation"
	KindResponderAssigned = "responder.assigned"
	KindNGOReport         = "ngo.report"
	KindNotification      = "notification"
	KindAlert             = "relay.alert"
)

// DispatcherTopic receives relay alerts.
const DispatcherTopic = "role:" + router.RoleDispatcher

// Publisher is the dispatcher's publish operation.
type Publisher interface {
	Publish(ctx context.Context, topic, kind string, payload json.RawMessage) (uint64, error)
}

// Delivery is one publish derived from a bus event.
type Delivery struct {
	Topic   string
	Kind    string
	Payload json.RawMessage
}

// Stats counts bridge activity.
type Stats struct {
	Received  int64 `json:"received"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Invalid   int64 `json:"invalid"`
}

// Bridge subscribes to domain topics and republishes them to clients.
type Bridge struct {
	bus bus.Bus
	pub Publisher
	log *logger.Logger

	received  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	invalid   atomic.Int64
}

// NewBridge creates a bridge from eventBus to pub.
func NewBridge(eventBus bus.Bus, pub Publisher, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{bus: eventBus, pub: pub, log: log}
}

// Start subscribes to every domain topic and to relay alerts.
func (b *Bridge) Start(ctx context.Context) error {
	topics := append([]string{bus.TopicAlertTriggered}, bus.DomainTopics...)
	for _, topic := range topics {
		if err := b.bus.Subscribe(ctx, topic, b.Handle); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	b.log.Info("Event ingress started", "topics", len(topics))
	return nil
}

// Handle maps one bus event and publishes the result. It is the bus handler.
func (b *Bridge) Handle(ctx context.Context, event bus.Event) error {
	b.received.Add(1)

	deliveries, err := Route(event)
	if err != nil {
		b.invalid.Add(1)
		b.log.Warn("Dropping malformed domain event", "type", event.Type, "event_id", event.ID, "error", err)
		return nil
	}

	var errs []error
	for _, d := range deliveries {
		seq, err := b.pub.Publish(ctx, d.Topic, d.Kind, d.Payload)
		if err != nil {
			b.failed.Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", d.Topic, err))
			continue
		}
		b.published.Add(1)
		b.log.Debug("Relayed domain event", "type", event.Type, "topic", d.Topic, "seq", seq)
	}
	return stderrors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
		Invalid:   b.invalid.Load(),
	}
}

// Route maps a bus event to its deliveries.
func Route(event bus.Event) ([]Delivery, error) {
	switch event.Type {
	case bus.TopicIncidentCreated:
		var p IncidentCreated
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.IncidentID == "" {
			return nil, missing("incident_id")
		}
		raw, err := marshal(event)
		if err != nil {
			return nil, err
		}
		out := []Delivery{{"incident:" + string(p.IncidentID), KindIncidentCreated, raw}}
		if p.Zone != "" {
			out = append(out, Delivery{"zone:" + p.Zone, KindIncidentCreated, raw})
		}
		if p.NGOID != "" {
			out = append(out, Delivery{"ngo:" + string(p.NGOID), KindIncidentCreated, raw})
		}
		return append(out, Delivery{router.BroadcastIncidents, KindIncidentCreated, raw}), nil

	case bus.TopicIncidentUpdated:
		var p IncidentUpdated
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.IncidentID == "" || p.Status == "" {
			return nil, missing("incident_id and status")
		}
		raw, err := json.Marshal(incidentUpdatePayload{p.IncidentID, p.Status, orEmpty(p.Details)})
		if err != nil {
			return nil, err
		}
		return []Delivery{
			{"incident:" + string(p.IncidentID), KindStatusChanged, raw},
			{router.BroadcastIncidents, KindStatusChanged, raw},
		}, nil

	case bus.TopicIncidentEscalated:
		var p IncidentEscalated
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.IncidentID == "" || p.Jurisdiction == "" {
			return nil, missing("incident_id and jurisdiction")
		}
		raw, err := json.Marshal(escalationPayload{p.IncidentID, p.Jurisdiction, orEmpty(p.Data), "HIGH"})
		if err != nil {
			return nil, err
		}
		return []Delivery{
			{"gov:" + p.Jurisdiction, KindEscalation, raw},
			{"incident:" + string(p.IncidentID), KindEscalation, raw},
		}, nil

	case bus.TopicResponderAssigned:
		var p ResponderAssigned
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.IncidentID == "" || p.ResponderID == "" {
			return nil, missing("incident_id and responder_id")
		}
		raw, err := marshal(event)
		if err != nil {
			return nil, err
		}
		return []Delivery{
			{"incident:" + string(p.IncidentID), KindResponderAssigned, raw},
			{"user:" + string(p.ResponderID), KindResponderAssigned, raw},
		}, nil

	case bus.TopicNGOReport:
		var p NGOReport
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.NGOID == "" {
			return nil, missing("ngo_id")
		}
		raw, err := marshal(event)
		if err != nil {
			return nil, err
		}
		out := []Delivery{{"ngo:" + string(p.NGOID), KindNGOReport, raw}}
		if p.IncidentID != "" {
			out = append(out, Delivery{"incident:" + string(p.IncidentID), KindNGOReport, raw})
		}
		return out, nil

	case bus.TopicUserNotification:
		var p UserNotification
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, missing("user_id")
		}
		if p.NotificationType == "" {
			p.NotificationType = "info"
		}
		raw, err := json.Marshal(notificationPayload{p.Title, p.Message, p.NotificationType})
		if err != nil {
			return nil, err
		}
		return []Delivery{{"user:" + string(p.UserID), KindNotification, raw}}, nil

	case bus.TopicRelayPublish:
		var p RelayPublish
		if err := decode(event, &p); err != nil {
			return nil, err
		}
		if p.Topic == "" || p.Kind == "" {
			return nil, missing("topic and kind")
		}
		return []Delivery{{p.Topic, p.Kind, p.Payload}}, nil

	case bus.TopicAlertTriggered:
		raw, err := marshal(event)
		if err != nil {
			return nil, err
		}
		return []Delivery{{DispatcherTopic, KindAlert, raw}}, nil

	default:
		return nil, errors.ValidationError(fmt.Sprintf("unsupported event type %q", event.Type))
	}
}

func decode(event bus.Event, out any) error {
	if err := bus.DecodePayload(event, out); err != nil {
		return errors.Wrap(errors.CodeValidation, "decoding "+event.Type, err)
	}
	return nil
}

// marshal forwards the event payload unchanged.
func marshal(event bus.Event) (json.RawMessage, error) {
	switch p := event.Payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "encoding "+event.Type, err)
	}
	return data, nil
}

func missing(fields string) error {
	return errors.ValidationError("missing " + fields)
}
