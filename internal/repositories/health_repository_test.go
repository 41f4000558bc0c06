package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
)

func TestProbeHealthRepositoryAllHealthy(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewProbeHealthRepository([]DependencyCheck{
		{Name: "kv", Check: func(context.Context) error { return nil }},
		{Name: "orders", Check: func(context.Context) error { return nil }},
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if report.Checks["kv"].CheckedAt != now {
		t.Fatalf("expected injected clock, got %s", report.Checks["kv"].CheckedAt)
	}
}

func TestProbeHealthRepositoryOptionalFailureDegrades(t *testing.T) {
	repo, err := NewProbeHealthRepository([]DependencyCheck{
		{Name: "kv", Check: func(context.Context) error { return nil }},
		{Name: "fx-source", Optional: true, Check: func(context.Context) error { return errors.New("503") }},
	}, nil)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Checks["fx-source"].Detail != "503" {
		t.Fatalf("unexpected detail %q", report.Checks["fx-source"].Detail)
	}
}

func TestProbeHealthRepositoryTimeoutFails(t *testing.T) {
	repo, err := NewProbeHealthRepository([]DependencyCheck{
		{
			Name:    "orders",
			Timeout: 10 * time.Millisecond,
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
		{Name: "fx-source", Optional: true, Check: func(context.Context) error { return errors.New("down") }},
	}, nil)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
	if report.Checks["orders"].Detail != "timeout" {
		t.Fatalf("expected timeout detail, got %q", report.Checks["orders"].Detail)
	}
}

func TestNewProbeHealthRepositoryValidatesChecks(t *testing.T) {
	if _, err := NewProbeHealthRepository([]DependencyCheck{{Name: " "}}, nil); err == nil {
		t.Fatal("expected error for unnamed check")
	}
	if _, err := NewProbeHealthRepository([]DependencyCheck{{Name: "kv"}}, nil); err == nil {
		t.Fatal("expected error for missing check function")
	}
}
