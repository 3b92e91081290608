package security

import (
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// Validation limits.
const (
	MinTopicLength = 1
	MaxTopicLength = 200

	MaxKindLength     = 64
	MaxIdentityLength = 128

	// MaxPayloadSize bounds a single event payload.
	MaxPayloadSize = 256 * 1024
	// MaxRequestSize bounds HTTP request bodies.
	MaxRequestSize = 1024 * 1024
	// MaxFrameSize bounds one inbound websocket frame.
	MaxFrameSize = 4096
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// kindRegex matches event kinds such as "status-changed" or "incident.created".
var kindRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// ValidateTopic validates a topic name.
// Requirements: 1-200 chars, valid UTF-8, printable, no whitespace.
func ValidateTopic(topic string) error {
	if topic == "" {
		return &ValidationError{
			Field:      "topic",
			Constraint: "required",
		}
	}

	if !utf8.ValidString(topic) {
		return &ValidationError{
			Field:      "topic",
			Constraint: "must be valid UTF-8",
		}
	}

	length := utf8.RuneCountInString(topic)
	if length > MaxTopicLength {
		return &ValidationError{
			Field:      "topic",
			Value:      length,
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxTopicLength),
		}
	}

	for _, r := range topic {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return &ValidationError{
				Field:      "topic",
				Value:      SanitizeForLog(topic),
				Constraint: "must not contain whitespace or control characters",
			}
		}
	}

	return nil
}

// ValidateKind validates an event kind.
func ValidateKind(kind string) error {
	if kind == "" {
		return &ValidationError{
			Field:      "kind",
			Constraint: "required",
		}
	}

	if len(kind) > MaxKindLength {
		return &ValidationError{
			Field:      "kind",
			Value:      len(kind),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxKindLength),
		}
	}

	if !kindRegex.MatchString(kind) {
		return &ValidationError{
			Field:      "kind",
			Value:      SanitizeForLog(kind),
			Constraint: "must start with a letter and contain only letters, digits, '.', '_' and '-'",
		}
	}

	return nil
}

// ValidateIdentity validates an authenticated principal ID.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return &ValidationError{
			Field:      "identity",
			Constraint: "required",
		}
	}

	if len(identity) > MaxIdentityLength {
		return &ValidationError{
			Field:      "identity",
			Value:      len(identity),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxIdentityLength),
		}
	}

	for _, r := range identity {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{
				Field:      "identity",
				Value:      SanitizeForLog(identity),
				Constraint: "must not contain whitespace or control characters",
			}
		}
	}

	return nil
}

// PublishRequestValidator provides validation for publish requests.
type PublishRequestValidator struct {
	Topic   string
	Kind    string
	Payload []byte
}

// Validate validates all fields in the publish request.
func (v *PublishRequestValidator) Validate() error {
	if err := ValidateTopic(v.Topic); err != nil {
		return err
	}

	if err := ValidateKind(v.Kind); err != nil {
		return err
	}

	if err := ValidatePayload(v.Payload, MaxPayloadSize); err != nil {
		return &ValidationError{
			Field:      "payload",
			Constraint: err.Error(),
		}
	}

	return nil
}
