// Package protocol defines the JSON frames exchanged with connected clients.
//
// Inbound frames are commands:
//
//	{"id": 7, "op": "subscribe", "topic": "incident:42"}
//
// Outbound frames carry a "type" discriminator: event, gap, closing, ack,
// error, welcome or pong.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound command operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpHeartbeat   = "heartbeat"
	OpPing        = "ping"
)

// Outbound frame types.
const (
	TypeEvent   = "event"
	TypeGap     = "gap"
	TypeClosing = "closing"
	TypeAck     = "ack"
	TypeError   = "error"
	TypeWelcome = "welcome"
	TypePong    = "pong"
)

// Closing reasons sent in closing frames and recorded in lifecycle events.
const (
	ReasonUnauthorized      = "unauthorized"
	ReasonDuplicateIdentity = "duplicate_identity"
	ReasonSlowConsumer      = "slow_consumer"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonTransportFailure  = "transport_failure"
	ReasonClientClose       = "client_close"
	ReasonServerShutdown    = "server_shutdown"
	ReasonHandshakeTimeout  = "handshake_timeout"
)

// Command is an inbound client command.
type Command struct {
	ID    int64  `json:"id"`
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
}

// Event is an outbound domain event.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Seq       uint64          `json:"seq"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Gap tells the client that events in [FromSeq, ToSeq] were dropped for Topic.
type Gap struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

// Closing precedes a server-initiated teardown.
type Closing struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Ack acknowledges a command.
type Ack struct {
	Type  string `json:"type"`
	ID    int64  `json:"id"`
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
}

// Error rejects a command. The session stays open.
type Error struct {
	Type    string `json:"type"`
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Welcome is sent once the connection is active.
type Welcome struct {
	Type                string `json:"type"`
	ConnectionID        string `json:"connection_id"`
	Identity            string `json:"identity"`
	Role                string `json:"role"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
}

// Pong answers a ping command.
type Pong struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Envelope is the shape shared by all outbound frames. Clients decode into it
// first to learn the type; it carries the union of the frame fields.
type Envelope struct {
	Type         string          `json:"type"`
	ID           json.RawMessage `json:"id,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          uint64          `json:"seq,omitempty"`
	EmittedAt    time.Time       `json:"emitted_at,omitempty"`
	FromSeq      uint64          `json:"from_seq,omitempty"`
	ToSeq        uint64          `json:"to_seq,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Op           string          `json:"op,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Identity     string          `json:"identity,omitempty"`
	Role         string          `json:"role,omitempty"`
}
