package security

import (
	"strings"
	"testing"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{"valid incident", "incident:42", false},
		{"valid broadcast", "broadcast:incidents", false},
		{"valid plain", "incident-42", false},
		{"valid unicode", "zone:東京", false},
		{"valid at max", strings.Repeat("a", MaxTopicLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxTopicLength+1), true},
		{"space", "incident 42", true},
		{"newline", "incident:42\n", true},
		{"control", "incident:\x0142", true},
		{"invalid utf8", "incident:\xff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
		})
	}
}

func TestValidateKind(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		wantErr bool
	}{
		{"valid hyphen", "status-changed", false},
		{"valid dotted", "incident.created", false},
		{"valid underscore", "responder_assigned", false},
		{"empty", "", true},
		{"starts with digit", "1event", true},
		{"space", "status changed", true},
		{"too long", "a" + strings.Repeat("b", MaxKindLength), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKind(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKind(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		wantErr  bool
	}{
		{"valid", "user-123", false},
		{"valid email", "ops@example.org", false},
		{"empty", "", true},
		{"space", "user 123", true},
		{"too long", strings.Repeat("u", MaxIdentityLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentity(%q) error = %v, wantErr %v", tt.identity, err, tt.wantErr)
			}
		})
	}
}

func TestPublishRequestValidator(t *testing.T) {
	tests := []struct {
		name    string
		req     PublishRequestValidator
		wantErr string
	}{
		{"valid", PublishRequestValidator{Topic: "incident:1", Kind: "status-changed", Payload: []byte(`{"status":"open"}`)}, ""},
		{"valid empty payload", PublishRequestValidator{Topic: "incident:1", Kind: "ping"}, ""},
		{"bad topic", PublishRequestValidator{Topic: "", Kind: "x"}, "topic"},
		{"bad kind", PublishRequestValidator{Topic: "incident:1", Kind: ""}, "kind"},
		{"bad payload", PublishRequestValidator{Topic: "incident:1", Kind: "x", Payload: []byte(`{nope`)}, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Field: "topic", Value: 300, Constraint: "too long"}
	if got := err.Error(); got != "validation failed for topic: too long (got: 300)" {
		t.Errorf("Error() = %q", got)
	}

	err = &ValidationError{Field: "kind", Constraint: "required"}
	if got := err.Error(); got != "validation failed for kind: required" {
		t.Errorf("Error() = %q", got)
	}
}
