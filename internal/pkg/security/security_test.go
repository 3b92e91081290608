package security

import (
	"net/http"
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"simple", "hello world", "hello world"},
		{"newline", "line1\nline2", "line1\\nline2"},
		{"carriage return", "line1\rline2", "line1\\rline2"},
		{"tab", "col1\tcol2", "col1\\tcol2"},
		{"mixed", "a\nb\rc\td", "a\\nb\\rc\\td"},
		{"control chars", "hello\x00\x01\x02world", "helloworld"},
		{"long string", strings.Repeat("a", 300), strings.Repeat("a", 200) + "..."},
		{"unicode", "hello 世界", "hello 世界"},
		{"log injection", "user\nERROR: fake error", "user\\nERROR: fake error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeForLog(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestMaskSensitiveHeaders(t *testing.T) {
	headers := http.Header{
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{"Bearer secret123"},
		"X-Api-Key":     []string{"key123"},
		"X-Request-Id":  []string{"req-456"},
		"Cookie":        []string{"session=abc"},
		"X-Custom-Auth": []string{"should-be-masked"},
	}

	masked := MaskSensitiveHeaders(headers)

	// Check non-sensitive headers are preserved
	if masked.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type should not be masked")
	}
	if masked.Get("X-Request-Id") != "req-456" {
		t.Errorf("X-Request-Id should not be masked")
	}

	// Check sensitive headers are masked
	sensitiveKeys := []string{"Authorization", "X-Api-Key", "Cookie", "X-Custom-Auth"}
	for _, key := range sensitiveKeys {
		if masked.Get(key) != "[REDACTED]" {
			t.Errorf("%s should be masked, got %q", key, masked.Get(key))
		}
	}

	// Check original headers are not modified
	if headers.Get("Authorization") != "Bearer secret123" {
		t.Errorf("Original headers should not be modified")
	}
}

func TestMaskSensitiveMap(t *testing.T) {
	m := map[string]string{
		"username":     "john",
		"password":     "secret123",
		"api_key":      "key123",
		"database_url": "postgres://...",
		"secret_token": "tok123",
	}

	masked := MaskSensitiveMap(m)

	// Check non-sensitive values are preserved
	if masked["username"] != "john" {
		t.Errorf("username should not be masked")
	}
	if masked["database_url"] != "postgres://..." {
		t.Errorf("database_url should not be masked")
	}

	// Check sensitive values are masked
	sensitiveKeys := []string{"password", "api_key", "secret_token"}
	for _, key := range sensitiveKeys {
		if masked[key] != "[REDACTED]" {
			t.Errorf("%s should be masked, got %q", key, masked[key])
		}
	}

	// Check original map is not modified
	if m["password"] != "secret123" {
		t.Errorf("Original map should not be modified")
	}
}

func TestMaskQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"no secrets", "topics=incident:1,zone:2", "topics=incident:1,zone:2"},
		{"token", "token=abc.def.ghi&topics=incident:1", "token=[REDACTED]&topics=incident:1"},
		{"api key", "api_key=xyz", "api_key=[REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskQuery(tt.input); got != tt.expected {
				t.Errorf("MaskQuery(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		maxSize int
		wantErr bool
	}{
		{"empty", nil, 100, false},
		{"object", []byte(`{"status":"resolved"}`), 100, false},
		{"string", []byte(`"hello"`), 100, false},
		{"exceeds limit", []byte(`"` + strings.Repeat("a", 200) + `"`), 100, true},
		{"invalid json", []byte(`{"status":`), 100, true},
		{"invalid utf8", []byte("\"\xff\xfe\""), 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload, tt.maxSize)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskSensitiveHeaders_Nil(t *testing.T) {
	result := MaskSensitiveHeaders(nil)
	if result != nil {
		t.Errorf("MaskSensitiveHeaders(nil) should return nil")
	}
}

func TestMaskSensitiveMap_Nil(t *testing.T) {
	result := MaskSensitiveMap(nil)
	if result != nil {
		t.Errorf("MaskSensitiveMap(nil) should return nil")
	}
}

func BenchmarkSanitizeForLog(b *testing.B) {
	input := strings.Repeat("hello\nworld\t", 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SanitizeForLog(input)
	}
}

func BenchmarkMaskSensitiveHeaders(b *testing.B) {
	headers := http.Header{
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{"Bearer secret123"},
		"X-Api-Key":     []string{"key123"},
		"X-Request-Id":  []string{"req-456"},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MaskSensitiveHeaders(headers)
	}
}
