package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/crisiscenter/crisis-relay/internal/pkg/errors"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing useful to do with an encode error.
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperrors.ValidationError("request body too large")
		case errors.Is(err, io.EOF):
			return apperrors.InvalidRequestError("request body is empty")
		default:
			return apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid JSON body", err)
		}
	}
	if dec.More() {
		return apperrors.InvalidRequestError("request body must hold a single JSON object")
	}
	return nil
}
