package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeInternal, "something failed", errors.New("underlying")),
			want: "INTERNAL_ERROR: something failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeMalformedCommand, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeDuplicateIdentity, http.StatusConflict},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
		{CodeSlowConsumer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test")
			if status := err.HTTPStatus(); status != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestAppError_WithDetail(t *testing.T) {
	err := New(CodeValidation, "invalid").
		WithDetail("field", "topic").
		WithDetail("reason", "required")

	if err.Details["field"] != "topic" {
		t.Errorf("Details[field] = %s, want topic", err.Details["field"])
	}
	if err.Details["reason"] != "required" {
		t.Errorf("Details[reason] = %s, want required", err.Details["reason"])
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code string
	}{
		{"DuplicateIdentityError", DuplicateIdentityError("user-1"), CodeDuplicateIdentity},
		{"MalformedCommandError", MalformedCommandError("bad json", errors.New("eof")), CodeMalformedCommand},
		{"SlowConsumerError", SlowConsumerError("incident:1"), CodeSlowConsumer},
		{"TransportFailureError", TransportFailureError(errors.New("broken pipe")), CodeTransportFailure},
		{"UnauthorizedError", UnauthorizedError(), CodeUnauthorized},
		{"ForbiddenError", ForbiddenError(""), CodeForbidden},
		{"TimeoutError", TimeoutError("handshake"), CodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %s, want %s", tt.err.Code, tt.code)
			}
		})
	}

	if got := DuplicateIdentityError("user-1").Details["identity"]; got != "user-1" {
		t.Errorf("identity detail = %q, want user-1", got)
	}
	if got := ForbiddenError("").Message; got != "access denied" {
		t.Errorf("ForbiddenError default message = %q", got)
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("subscribe: %w", ForbiddenError("no"))

	if got := CodeOf(wrapped); got != CodeForbidden {
		t.Errorf("CodeOf(wrapped) = %s, want %s", got, CodeForbidden)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
	if !IsCode(wrapped, CodeForbidden) {
		t.Error("IsCode(wrapped, FORBIDDEN) = false, want true")
	}
	if IsCode(nil, CodeForbidden) {
		t.Error("IsCode(nil) = true, want false")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NotFoundError("connection")) {
		t.Error("IsNotFound(NotFoundError) = false, want true")
	}
	if IsNotFound(ValidationError("test")) {
		t.Error("IsNotFound(ValidationError) = true, want false")
	}
	if IsNotFound(errors.New("standard error")) {
		t.Error("IsNotFound(standard error) = true, want false")
	}
	if !IsValidation(ValidationError("x")) {
		t.Error("IsValidation(ValidationError) = false, want true")
	}
}

func TestWriteError(t *testing.T) {
	t.Run("app error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, DuplicateIdentityError("u1"))

		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
		}
		var resp ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Code != CodeDuplicateIdentity {
			t.Errorf("code = %s, want %s", resp.Code, CodeDuplicateIdentity)
		}
	})

	t.Run("plain error is sanitized", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("db password leaked"))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		var resp ErrorResponse
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Message == "db password leaked" {
			t.Error("internal message leaked to client")
		}
	})

	t.Run("4xx plain error keeps message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteErrorWithStatus(rec, http.StatusTooManyRequests, errors.New("slow down"))

		var resp ErrorResponse
		_ = json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Code != CodeRateLimited || resp.Message != "slow down" {
			t.Errorf("unexpected response %+v", resp)
		}
	})
}
