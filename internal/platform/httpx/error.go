package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	maxCodeLen    = 64
	maxMessageLen = 400
	maxIDLen      = 80
)

// Error is the failure answer of every storefront endpoint. Code is a stable snake_case
// identifier clients switch on; Message is for humans.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

type errorBody struct {
	Code      string         `json:"error"`
	Message   string         `json:"message"`
	Status    int            `json:"status"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, maxCodeLen),
		Message: clip(message, maxMessageLen),
		Status:  status,
	}
}

// Error implements error so handlers can pass it around before writing it.
func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails attaches structured context such as MOQ violations.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = maps.Clone(details)
	return e
}

// WriteError writes err as JSON, stamped with the chi request id and the active trace id.
// Error bodies are never cached since they usually describe one device's session state.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	body := errorBody{
		Code:      err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: clip(middleware.GetReqID(ctx), maxIDLen),
		TraceID:   clip(requestctx.TraceID(ctx), maxIDLen),
		Details:   err.Details,
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// clip strips control characters so user input echoed in messages cannot split log lines.
func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = strings.ToValidUTF8(value[:limit], "")
	}
	return value
}
