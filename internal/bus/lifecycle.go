package bus

import "time"

// Payloads of the relay's lifecycle topics. They live here so that every
// subscriber can decode them without depending on the registry.

// RegisteredPayload is the payload for connection.registered events.
type RegisteredPayload struct {
	Handle        string    `json:"handle"`
	Identity      string    `json:"identity"`
	Role          string    `json:"role"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	EstablishedAt time.Time `json:"established_at"`
}

// ClosedPayload is the payload for connection.closed events.
type ClosedPayload struct {
	Handle   string    `json:"handle"`
	Identity string    `json:"identity"`
	Role     string    `json:"role"`
	Reason   string    `json:"reason"`
	Dropped  uint64    `json:"dropped"`
	Lifetime float64   `json:"lifetime_seconds"`
	ClosedAt time.Time `json:"closed_at"`
}

// EvictedPayload is the payload for connection.evicted events. The older
// session is evicted in favour of ReplacedBy.
type EvictedPayload struct {
	Handle     string `json:"handle"`
	Identity   string `json:"identity"`
	ReplacedBy string `json:"replaced_by"`
}

// RejectedPayload is the payload for connection.rejected events.
type RejectedPayload struct {
	Identity   string `json:"identity"`
	Role       string `json:"role"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Reason     string `json:"reason"`
}

// Alert is the payload for relay.alert events.
type Alert struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"` // low, medium, high
	Identity  string         `json:"identity"`
	Handle    string         `json:"handle,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
