package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID accepts both JSON strings and numbers. The store emits integer
// primary keys; topic names need their string form.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// IncidentCreated is published when a citizen reports an incident.
type IncidentCreated struct {
	IncidentID ID              `json:"incident_id"`
	Zone       string          `json:"zone,omitempty"`
	NGOID      ID              `json:"ngo_id,omitempty"`
	Incident   json.RawMessage `json:"incident,omitempty"`
}

// IncidentUpdated is published on every incident status change.
type IncidentUpdated struct {
	IncidentID ID              `json:"incident_id"`
	Status     string          `json:"status"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// IncidentEscalated is published when an incident is escalated to a
// government jurisdiction.
type IncidentEscalated struct {
	IncidentID   ID              `json:"incident_id"`
	Jurisdiction string          `json:"jurisdiction"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ResponderAssigned is published when a responder accepts an incident.
type ResponderAssigned struct {
	IncidentID  ID              `json:"incident_id"`
	ResponderID ID              `json:"responder_id"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// NGOReport is an NGO field report, optionally tied to an incident.
type NGOReport struct {
	NGOID      ID              `json:"ngo_id"`
	IncidentID ID              `json:"incident_id,omitempty"`
	Report     json.RawMessage `json:"report,omitempty"`
}

// UserNotification is addressed to a single user.
type UserNotification struct {
	UserID           ID     `json:"user_id"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type,omitempty"`
}

// RelayPublish is a ready-made event for one topic.
type RelayPublish struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound payloads.

type incidentUpdatePayload struct {
	IncidentID ID              `json:"incident_id"`
	Status     string          `json:"status"`
	Details    json.RawMessage `json:"details"`
}

type escalationPayload struct {
	IncidentID   ID              `json:"incident_id"`
	Jurisdiction string          `json:"jurisdiction"`
	Data         json.RawMessage `json:"data"`
	Priority     string          `json:"priority"`
}

type notificationPayload struct {
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type"`
}

var emptyObject = json.RawMessage("{}")

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyObject
	}
	return raw
}
