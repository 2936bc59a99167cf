// Package api holds the JSON plumbing shared by the MTTx and Sigma HTTP APIs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"secops-toolkit/internal/chronicle"
	safeerrors "secops-toolkit/internal/errors"
	"secops-toolkit/internal/storage"
	"secops-toolkit/internal/validation"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 10 << 20

// Error codes used in the error envelope.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeValidation   = "VALIDATION_FAILED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeUpstream     = "UPSTREAM_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// APIError is the body of the error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// WriteError writes {"error":{"code","message","details"}}.
func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	WriteJSON(w, status, errorEnvelope{Error: APIError{Code: code, Message: message, Details: details}})
}

// WriteErr maps err to a status and writes the envelope. Server errors are
// logged; messages pass through the production sanitiser.
func WriteErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := Classify(err)

	var details any
	var verr *validation.Error
	if errors.As(err, &verr) {
		details = verr.Fields
	}

	if status >= 500 {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "status", status, "error", err)
	}
	WriteError(w, status, code, safeerrors.SafeErrorMessage(err), details)
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	var verr *validation.Error
	var reqErr *RequestError
	var apiErr *chronicle.APIError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeValidation
	case errors.As(err, &reqErr):
		return reqErr.Status, reqErr.Code
	case storage.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case storage.IsDuplicate(err):
		return http.StatusConflict, CodeConflict
	case storage.IsInvalid(err):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, chronicle.ErrUnauthorized):
		return http.StatusBadGateway, CodeUpstream
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, CodeUpstream
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RequestError carries an explicit status for a handler failure.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// BadRequest returns a 400 RequestError.
func BadRequest(format string, args ...any) error {
	return &RequestError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a 404 RequestError.
func NotFound(format string, args ...any) error {
	return &RequestError{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// DecodeJSON decodes the request body into v, rejecting unknown fields and
// trailing data.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return BadRequest("invalid request: empty body")
		}
		return BadRequest("invalid request: %v", err)
	}
	if dec.More() {
		return BadRequest("invalid request: trailing data after JSON body")
	}
	return nil
}

// PathID parses a positive integer path value.
func PathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, BadRequest("invalid request: %s must be a positive integer", name)
	}
	return id, nil
}

// QueryID parses an optional positive integer query parameter. Zero means absent.
func QueryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, BadRequest("invalid request: %s must be a positive integer", name)
	}
	return id, nil
}

// Health responds {"status":"ok"}.
func Health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
