package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
)

var nullPayload = json.RawMessage("null")

// DecodeCommand parses and validates one inbound frame.
// All failures carry CodeMalformedCommand; the returned Command keeps whatever
// ID could be read so the rejection can reference it.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return cmd, errors.MalformedCommandError("empty frame", nil)
	}
	if len(data) > security.MaxFrameSize {
		return cmd, errors.MalformedCommandError(
			fmt.Sprintf("frame exceeds %d bytes", security.MaxFrameSize), nil)
	}

	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, errors.MalformedCommandError("invalid JSON", err)
	}

	switch cmd.Op {
	case OpSubscribe, OpUnsubscribe:
		if err := security.ValidateTopic(cmd.Topic); err != nil {
			return cmd, errors.MalformedCommandError(err.Error(), err).WithDetail("op", cmd.Op)
		}
	case OpHeartbeat, OpPing:
	case "":
		return cmd, errors.MalformedCommandError("missing op", nil)
	default:
		return cmd, errors.MalformedCommandError(
			fmt.Sprintf("unknown op %q", security.SanitizeForLogWithLength(cmd.Op, 32)), nil)
	}

	return cmd, nil
}

// EncodeCommand serializes a client command.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// EncodeEvent serializes an event frame. A nil payload is sent as JSON null.
func EncodeEvent(id, topic, kind string, payload json.RawMessage, seq uint64, emittedAt time.Time) ([]byte, error) {
	if len(payload) == 0 {
		payload = nullPayload
	}
	return json.Marshal(Event{
		Type:      TypeEvent,
		ID:        id,
		Topic:     topic,
		Kind:      kind,
		Payload:   payload,
		Seq:       seq,
		EmittedAt: emittedAt.UTC(),
	})
}

// EncodeGap serializes a gap frame.
func EncodeGap(topic string, from, to uint64) []byte {
	return mustMarshal(Gap{Type: TypeGap, Topic: topic, FromSeq: from, ToSeq: to})
}

// EncodeClosing serializes a closing frame.
func EncodeClosing(reason string) []byte {
	return mustMarshal(Closing{Type: TypeClosing, Reason: reason})
}

// EncodeAck serializes an ack frame.
func EncodeAck(cmd Command) []byte {
	return mustMarshal(Ack{Type: TypeAck, ID: cmd.ID, Op: cmd.Op, Topic: cmd.Topic})
}

// EncodeError serializes an error frame for the command with the given id.
func EncodeError(id int64, code, message string) []byte {
	return mustMarshal(Error{Type: TypeError, ID: id, Code: code, Message: message})
}

// EncodeWelcome serializes a welcome frame.
func EncodeWelcome(connectionID, identity, role string, heartbeat time.Duration) []byte {
	return mustMarshal(Welcome{
		Type:                TypeWelcome,
		ConnectionID:        connectionID,
		Identity:            identity,
		Role:                role,
		HeartbeatIntervalMs: heartbeat.Milliseconds(),
	})
}

// EncodePong serializes a pong frame.
func EncodePong(id int64) []byte {
	return mustMarshal(Pong{Type: TypePong, ID: id})
}

// DecodeEnvelope parses any outbound frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, fmt.Errorf("frame has no type")
	}
	return env, nil
}

// Control frames only contain strings and integers, so Marshal cannot fail.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
