package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

// DefaultBodyLimit caps request bodies read through ReadBody.
const DefaultBodyLimit int64 = 1 << 20

var (
	// ErrBodyTooLarge is returned when the request body exceeds the limit.
	ErrBodyTooLarge = errors.New("httpx: body too large")
	// ErrEmptyBody is returned when a body is required but missing.
	ErrEmptyBody = errors.New("httpx: empty body")
)

// Error is the JSON error envelope returned by every endpoint.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError constructs an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: clean(code, 80), Message: clean(message, 512), Status: status}
}

// WithDetails attaches extra fields merged into the payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteError writes err as JSON with request and trace ids attached.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  err.Status,
	}
	if id := middleware.GetReqID(ctx); id != "" {
		payload["request_id"] = clean(id, 80)
	}
	if traceID := requestctx.TraceID(ctx); traceID != "" {
		payload["trace_id"] = traceID
	}
	for k, v := range err.Details {
		payload[k] = v
	}
	WriteJSON(w, err.Status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// ReadBody reads at most limit bytes and fails when the body is larger or empty.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, ErrEmptyBody
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyBody
	}
	return data, nil
}

// DecodeJSON reads a bounded body into dst and rejects unknown fields.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	data, err := ReadBody(r, limit)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("httpx: decode body: %w", err)
	}
	return nil
}

// BodyError maps ReadBody/DecodeJSON failures onto an API error.
func BodyError(err error) Error {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrEmptyBody):
		return NewError("invalid_request", "request body is required", http.StatusBadRequest)
	default:
		return NewError("invalid_request", "request body is invalid", http.StatusBadRequest)
	}
}

func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
