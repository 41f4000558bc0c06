package services

import (
	"context"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// CurrencyService exposes exchange rates and conversions. It never fails: when live rates
// cannot be obtained it answers from a built-in fallback table.
type CurrencyService interface {
	GetRates(ctx context.Context) domain.RateTable
	Convert(ctx context.Context, amount float64, from, to domain.Currency) float64
}

// TotalsCalculator computes settlement-currency totals for a set of cart lines.
type TotalsCalculator interface {
	CalculateTotalsTRY(ctx context.Context, lines []domain.CartLine, shippingOverride *float64) Totals
}

// OrderService coordinates order creation and the order lifecycle.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error)
	// CancelOrder reports false without mutating anything when the order is not cancel-eligible.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) (domain.Order, error)
	// CreateReturnRequest reports false when the order is not return-eligible or already has a request.
	CreateReturnRequest(ctx context.Context, cmd ReturnRequestCommand) (bool, error)
}

// CounterService issues formatted sequence numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// NotificationKind enumerates order lifecycle notifications.
type NotificationKind string

const (
	NotificationProcessing NotificationKind = "processing"
	NotificationShipped    NotificationKind = "shipped"
	NotificationDelivered  NotificationKind = "delivered"
	NotificationCancelled  NotificationKind = "cancelled"
)

// OrderNotifier delivers lifecycle notifications. Failures never roll back the triggering change.
type OrderNotifier interface {
	Notify(ctx context.Context, orderNumber string, kind NotificationKind) error
}

// CreateOrderCommand carries everything needed to snapshot a cart into an order.
type CreateOrderCommand struct {
	Lines         []domain.CartLine
	Total         float64
	Address       domain.DeliveryAddress
	PaymentMethod domain.PaymentMethod
	DeliveryNote  string
	CouponCode    string
	Discount      float64
}

// ReturnRequestCommand describes a customer's return request.
type ReturnRequestCommand struct {
	OrderID     string
	Reason      string
	Description string
}

// CounterGenerationOptions controls how counter values are bounded and formatted.
type CounterGenerationOptions struct {
	// MaxValue stops the counter from exceeding the given value when positive.
	MaxValue int64
	Prefix   string
	// PadLength zero-pads the formatted value to the given width.
	PadLength int
}

// CounterValue is a generated sequence value plus its formatted rendering.
type CounterValue struct {
	Value     int64
	Formatted string
}

// Totals is the settlement-currency breakdown of a cart.
type Totals struct {
	Subtotal float64
	Shipping float64
	Total    float64
	Currency domain.Currency
}
