package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/storefront/internal/repositories"
)

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{name: "not found", code: codes.NotFound, notFound: true},
		{name: "already exists", code: codes.AlreadyExists, conflict: true},
		{name: "aborted", code: codes.Aborted, conflict: true},
		{name: "unavailable", code: codes.Unavailable, unavailable: true},
		{name: "exhausted", code: codes.ResourceExhausted, unavailable: true},
		{name: "other", code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var repoErr repositories.RepositoryError
			if !errors.As(err, &repoErr) {
				t.Fatalf("expected repository error, got %T", err)
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification for %s", tc.code)
			}
			if got := repoErr.Error(); got != "orders.get: rpc error: code = "+tc.code.String()+" desc = boom" {
				t.Fatalf("unexpected message %q", got)
			}
		})
	}
}

func TestWrapErrorKeepsClassifiedErrors(t *testing.T) {
	original := repositories.NewConflictError("returns.insert", errors.New("duplicate"))
	if got := WrapError("tx", original); got != error(original) {
		t.Fatalf("expected classified error to pass through, got %v", got)
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.DeadlineExceeded, "slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(status.Error(codes.NotFound, "missing")) {
		t.Fatal("expected raw grpc not found to be detected")
	}
	if !IsNotFound(WrapError("op", status.Error(codes.NotFound, "missing"))) {
		t.Fatal("expected wrapped not found to be detected")
	}
	if IsNotFound(errors.New("other")) {
		t.Fatal("unexpected not found for plain error")
	}
}
