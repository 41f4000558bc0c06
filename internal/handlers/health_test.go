package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
)

type stubHealthRepository struct {
	report domain.HealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}

func TestHealthz_ReportsBuildInfo(t *testing.T) {
	started := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "staging", StartedAt: started}),
		WithHealthClock(func() time.Time { return started.Add(90 * time.Minute) }),
	)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeResponse[healthzResponse](t, rec)
	if body.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %q", body.Status)
	}
	if body.Version != "1.4.0" || body.CommitSHA != "abc123" || body.Environment != "staging" {
		t.Fatalf("unexpected build info %+v", body)
	}
	if body.Uptime != "1h30m0s" {
		t.Fatalf("expected uptime 1h30m0s, got %q", body.Uptime)
	}
	if body.Timestamp != "2025-03-10T09:30:00Z" {
		t.Fatalf("unexpected timestamp %q", body.Timestamp)
	}
}

func TestReadyz_StatusCodes(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		report  domain.HealthReport
		status  int
		details []string
	}{
		{
			name: "ok",
			report: domain.HealthReport{Status: domain.HealthStatusOK, GeneratedAt: now, Checks: map[string]domain.HealthCheck{
				"kv": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
			}},
			status: http.StatusOK,
		},
		{
			name: "degraded stays in rotation",
			report: domain.HealthReport{Status: domain.HealthStatusDegraded, GeneratedAt: now, Checks: map[string]domain.HealthCheck{
				"kv":    {Status: domain.HealthStatusOK},
				"fxApi": {Status: domain.HealthStatusDegraded, Detail: " timeout "},
			}},
			status:  http.StatusOK,
			details: []string{"fxApi: timeout"},
		},
		{
			name: "error",
			report: domain.HealthReport{Status: domain.HealthStatusError, GeneratedAt: now, Checks: map[string]domain.HealthCheck{
				"orders": {Status: domain.HealthStatusError, Detail: "unavailable"},
				"fxApi":  {Status: domain.HealthStatusDegraded, Detail: "timeout"},
			}},
			status:  http.StatusServiceUnavailable,
			details: []string{"fxApi: timeout", "orders: unavailable"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthRepository(stubHealthRepository{report: tc.report}))
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			body := decodeResponse[readyzResponse](t, rec)
			if body.Status != tc.report.Status {
				t.Fatalf("expected status %q, got %q", tc.report.Status, body.Status)
			}
			if len(body.Checks) != len(tc.report.Checks) {
				t.Fatalf("expected %d checks, got %d", len(tc.report.Checks), len(body.Checks))
			}
			if !reflect.DeepEqual(body.Details, tc.details) {
				t.Fatalf("expected details %v, got %v", tc.details, body.Details)
			}
		})
	}
}

func TestReadyz_CollectFailure(t *testing.T) {
	h := NewHealthHandlers(WithHealthRepository(stubHealthRepository{err: errors.New("boom")}))
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "health_unavailable" {
		t.Fatalf("expected health_unavailable, got %q", code)
	}
}
