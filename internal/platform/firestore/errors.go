package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/storefront/internal/repositories"
)

// WrapError classifies a Firestore failure as a repositories.StoreError so services can react to
// missing orders, duplicate return requests and outages without knowing about gRPC.
// Cancellation surfaces as the plain context error.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified repositories.RepositoryError
	if errors.As(err, &classified) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.NotFound:
		return repositories.NewNotFoundError(op, err)
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.NewConflictError(op, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return repositories.NewUnavailableError(op, err)
	default:
		return &repositories.StoreError{Op: op, Err: err}
	}
}

// IsNotFound reports a missing document, raw or already wrapped.
func IsNotFound(err error) bool {
	var classified repositories.RepositoryError
	if errors.As(err, &classified) {
		return classified.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}
