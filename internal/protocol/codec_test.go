package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Command
		wantErr bool
	}{
		{"subscribe", `{"id":1,"op":"subscribe","topic":"incident:42"}`, Command{ID: 1, Op: OpSubscribe, Topic: "incident:42"}, false},
		{"unsubscribe", `{"id":2,"op":"unsubscribe","topic":"zone:7"}`, Command{ID: 2, Op: OpUnsubscribe, Topic: "zone:7"}, false},
		{"heartbeat without topic", `{"id":3,"op":"heartbeat"}`, Command{ID: 3, Op: OpHeartbeat}, false},
		{"ping", ` {"op":"ping"} `, Command{Op: OpPing}, false},
		{"empty", ``, Command{}, true},
		{"not json", `subscribe incident:42`, Command{}, true},
		{"missing op", `{"id":4}`, Command{ID: 4}, true},
		{"unknown op", `{"id":5,"op":"publish","topic":"x"}`, Command{ID: 5, Op: "publish", Topic: "x"}, true},
		{"subscribe without topic", `{"id":6,"op":"subscribe"}`, Command{ID: 6, Op: OpSubscribe}, true},
		{"topic with space", `{"id":7,"op":"subscribe","topic":"a b"}`, Command{ID: 7, Op: OpSubscribe, Topic: "a b"}, true},
		{"oversized", `{"op":"subscribe","topic":"` + strings.Repeat("a", 5000) + `"}`, Command{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsCode(err, errors.CodeMalformedCommand) {
				t.Errorf("error code = %s, want MALFORMED_COMMAND", errors.CodeOf(err))
			}
			if got != tt.want {
				t.Errorf("DecodeCommand() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeEvent("ev-1", "incident:42", "status-changed", json.RawMessage(`{"status":"resolved"}`), 2, at)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Type != TypeEvent || env.Topic != "incident:42" || env.Kind != "status-changed" || env.Seq != 2 {
		t.Errorf("unexpected envelope %+v", env)
	}
	if !env.EmittedAt.Equal(at) {
		t.Errorf("EmittedAt = %v, want %v", env.EmittedAt, at)
	}
	if string(env.Payload) != `{"status":"resolved"}` {
		t.Errorf("Payload = %s", env.Payload)
	}
}

func TestEncodeEvent_NilPayload(t *testing.T) {
	data, err := EncodeEvent("ev-2", "t", "k", nil, 1, time.Now())
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if !strings.Contains(string(data), `"payload":null`) {
		t.Errorf("expected null payload, got %s", data)
	}
}

func TestControlFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		check func(Envelope) bool
	}{
		{"gap", EncodeGap("incident:1", 3, 5), func(e Envelope) bool {
			return e.Type == TypeGap && e.Topic == "incident:1" && e.FromSeq == 3 && e.ToSeq == 5
		}},
		{"closing", EncodeClosing(ReasonSlowConsumer), func(e Envelope) bool {
			return e.Type == TypeClosing && e.Reason == ReasonSlowConsumer
		}},
		{"ack", EncodeAck(Command{ID: 9, Op: OpSubscribe, Topic: "zone:1"}), func(e Envelope) bool {
			return e.Type == TypeAck && string(e.ID) == "9" && e.Op == OpSubscribe && e.Topic == "zone:1"
		}},
		{"error", EncodeError(4, errors.CodeForbidden, "denied"), func(e Envelope) bool {
			return e.Type == TypeError && e.Code == errors.CodeForbidden && e.Message == "denied"
		}},
		{"welcome", EncodeWelcome("c1", "u1", "dispatcher", 15*time.Second), func(e Envelope) bool {
			return e.Type == TypeWelcome && e.ConnectionID == "c1" && e.Role == "dispatcher"
		}},
		{"pong", EncodePong(11), func(e Envelope) bool {
			return e.Type == TypePong && string(e.ID) == "11"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope(tt.frame)
			if err != nil {
				t.Fatalf("DecodeEnvelope() error = %v", err)
			}
			if !tt.check(env) {
				t.Errorf("unexpected frame %s", tt.frame)
			}
		})
	}
}

func TestWelcomeHeartbeatMillis(t *testing.T) {
	var w Welcome
	if err := json.Unmarshal(EncodeWelcome("c", "u", "citizen", 1500*time.Millisecond), &w); err != nil {
		t.Fatal(err)
	}
	if w.HeartbeatIntervalMs != 1500 {
		t.Errorf("HeartbeatIntervalMs = %d, want 1500", w.HeartbeatIntervalMs)
	}
}

func TestDecodeEnvelope_MissingType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"topic":"x"}`)); err == nil {
		t.Error("expected error for frame without type")
	}
}
