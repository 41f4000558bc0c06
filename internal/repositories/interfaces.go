package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository persists the cart aggregate of one device session.
type CartRepository interface {
	// Load returns the stored cart, or an error satisfying IsNotFound when nothing was saved.
	Load(ctx context.Context, deviceID string) (domain.CartState, error)
	Save(ctx context.Context, deviceID string, state domain.CartState) error
	Delete(ctx context.Context, deviceID string) error
}

// RateCacheRepository persists the exchange rate table as a non-critical cache artifact.
type RateCacheRepository interface {
	Load(ctx context.Context) (domain.RateTable, error)
	Save(ctx context.Context, table domain.RateTable) error
}

// OrderRepository stores placed orders.
type OrderRepository interface {
	// Insert fails with a conflict when an order with the same id exists.
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// List returns orders sorted by creation time, most recent first.
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
}

// ReturnRequestRepository records return requests, at most one per order.
type ReturnRequestRepository interface {
	// Insert fails with a conflict when the order already has a return request.
	Insert(ctx context.Context, request domain.ReturnRequest) error
	FindByOrderID(ctx context.Context, orderID string) (domain.ReturnRequest, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	// Next increments counterID and returns the new value. A positive limit makes the
	// counter fail with CounterErrorExhausted instead of exceeding it.
	Next(ctx context.Context, counterID string, limit int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Status []domain.OrderStatus
	Limit  int
	// StartAfter resumes a createdAt-descending listing after the given order.
	StartAfter *OrderCursor
}

// OrderCursor identifies the last order of a previous page.
type OrderCursor struct {
	CreatedAt time.Time
	ID        string
}
