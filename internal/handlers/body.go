package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/hanko-field/storefront/internal/platform/httpx"
)

const defaultMaxBodySize = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeBody reads a JSON body into dst and writes the error response itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, defaultMaxBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("request body must be valid JSON: %v", err), http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// sessionFor resolves the device session or writes the error response itself.
func sessionFor(w http.ResponseWriter, r *http.Request, registry *SessionRegistry) (*Session, bool) {
	ctx := r.Context()
	if registry == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_unavailable", "session registry is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	session, err := registry.Get(ctx, r.Header.Get(httpx.DeviceIDHeader))
	switch {
	case err == nil:
		return session, true
	case errors.Is(err, errDeviceIDRequired), errors.Is(err, errDeviceIDInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_device_id", err.Error(), http.StatusBadRequest))
	default:
		writeInternalError(ctx, w, "session_unavailable", err)
	}
	return nil, false
}

func writeInternalError(ctx context.Context, w http.ResponseWriter, code string, err error) {
	message := "internal error"
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusInternalServerError))
}

// preferredLanguage picks the first tag of Accept-Language, defaulting to Turkish.
func preferredLanguage(r *http.Request) string {
	if lang := strings.TrimSpace(r.URL.Query().Get("lang")); lang != "" {
		if tag, err := language.Parse(lang); err == nil {
			return tag.String()
		}
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return language.Turkish.String()
	}
	return tags[0].String()
}
