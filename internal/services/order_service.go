package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	orderIDPrefix         = "ord_"
	returnRequestIDPrefix = "ret_"
	maxReturnTextRunes    = 1000
	defaultOrderListLimit = 50
)

var (
	// ErrOrderInvalidInput indicates the caller supplied invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a concurrent write or duplicate record.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidState indicates the requested status change is not allowed from the current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

var orderStatusNotifications = map[domain.OrderStatus]NotificationKind{
	domain.OrderStatusProcessing: NotificationProcessing,
	domain.OrderStatusShipped:    NotificationShipped,
	domain.OrderStatusDelivered:  NotificationDelivered,
	domain.OrderStatusCancelled:  NotificationCancelled,
}

// OrderServiceDeps enumerates collaborators required by the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Returns     repositories.ReturnRequestRepository
	Counters    CounterService
	UnitOfWork  repositories.UnitOfWork
	Notifier    OrderNotifier
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	returns    repositories.ReturnRequestRepository
	counters   CounterService
	unitOfWork repositories.UnitOfWork
	notifier   OrderNotifier
	clock      func() time.Time
	newID      func() string
	sanitizer  *bluemonday.Policy
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Returns == nil {
		return nil, errors.New("order service: return request repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		returns:    deps.Returns,
		counters:   deps.Counters,
		unitOfWork: unit,
		notifier:   deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	if len(cmd.Lines) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if cmd.Total < 0 {
		return domain.Order{}, fmt.Errorf("%w: total must not be negative", ErrOrderInvalidInput)
	}
	if !cmd.PaymentMethod.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}

	now := s.now()
	order := domain.Order{
		ID:              s.nextOrderID(),
		CreatedAt:       now,
		UpdatedAt:       now,
		Total:           cmd.Total,
		Currency:        domain.SettlementCurrency,
		Status:          domain.OrderStatusPending,
		Items:           buildOrderItems(cmd.Lines),
		ShippingAddress: cmd.Address.Text(),
		PaymentMethod:   cmd.PaymentMethod.Label(),
		CanCancel:       true,
		CanReturn:       false,
		DeliveryNote:    strings.TrimSpace(cmd.DeliveryNote),
		CouponCode:      strings.TrimSpace(cmd.CouponCode),
		Discount:        cmd.Discount,
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		number, err := s.counters.NextOrderNumber(txCtx)
		if err != nil {
			return err
		}
		order.OrderNumber = number
		return s.orders.Insert(txCtx, order)
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"items":       len(order.Items),
		"total":       order.Total,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultOrderListLimit
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var (
		cancelled bool
		number    string
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return err
		}
		if !order.CanCancel {
			return nil
		}
		order.Status = domain.OrderStatusCancelled
		order.CanCancel = false
		order.CanReturn = false
		order.UpdatedAt = s.now()
		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		cancelled = true
		number = order.OrderNumber
		return nil
	})
	if err != nil {
		return false, s.mapRepositoryError(err)
	}
	if !cancelled {
		s.logger(ctx, "order.cancel.rejected", map[string]any{"orderId": orderID})
		return false, nil
	}

	s.notify(ctx, number, NotificationCancelled)
	return true, nil
}

func (s *orderService) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
	}

	var (
		updated domain.Order
		changed bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status == status {
			updated = order
			return nil
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: order is %s", ErrOrderInvalidState, order.Status)
		}
		if !canTransition(order.Status, status) {
			return fmt.Errorf("%w: cannot transition from %s to %s", ErrOrderInvalidState, order.Status, status)
		}

		applyStatus(&order, status)
		order.UpdatedAt = s.now()
		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if changed {
		s.logger(ctx, "order.status.updated", map[string]any{
			"orderId": updated.ID,
			"status":  string(updated.Status),
		})
		if kind, ok := orderStatusNotifications[updated.Status]; ok {
			s.notify(ctx, updated.OrderNumber, kind)
		}
	}
	return updated, nil
}

func (s *orderService) CreateReturnRequest(ctx context.Context, cmd ReturnRequestCommand) (bool, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return false, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := s.cleanText(cmd.Reason)
	if reason == "" {
		return false, fmt.Errorf("%w: reason is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return false, s.mapRepositoryError(err)
	}
	if !order.CanReturn {
		s.logger(ctx, "order.return.rejected", map[string]any{
			"orderId": orderID,
			"status":  string(order.Status),
		})
		return false, nil
	}

	request := domain.ReturnRequest{
		ID:          returnRequestIDPrefix + s.newID(),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Reason:      reason,
		Description: s.cleanText(cmd.Description),
		CreatedAt:   s.now(),
	}
	if err := s.returns.Insert(ctx, request); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return false, nil
		}
		return false, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.return.requested", map[string]any{
		"orderId":   order.ID,
		"requestId": request.ID,
	})
	return true, nil
}

func (s *orderService) cleanText(value string) string {
	cleaned := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
	if runes := []rune(cleaned); len(runes) > maxReturnTextRunes {
		cleaned = strings.TrimSpace(string(runes[:maxReturnTextRunes]))
	}
	return cleaned
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrCounterExhausted) || errors.Is(err, ErrCounterInvalidInput) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) notify(ctx context.Context, orderNumber string, kind NotificationKind) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, orderNumber, kind); err != nil {
		s.logger(ctx, "order.notify.failed", map[string]any{
			"orderNumber": orderNumber,
			"kind":        string(kind),
			"error":       err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// applyStatus sets status and the eligibility flags that follow from it.
func applyStatus(order *domain.Order, status domain.OrderStatus) {
	order.Status = status
	switch status {
	case domain.OrderStatusDelivered:
		order.CanReturn = true
		order.CanCancel = false
	case domain.OrderStatusShipped:
		order.CanReturn = false
		order.CanCancel = false
	case domain.OrderStatusCancelled:
		order.CanCancel = false
		order.CanReturn = false
	}
}

func buildOrderItems(lines []domain.CartLine) []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.OrderItem{
			ID:        line.ID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Currency:  line.Currency,
			Thumbnail: line.Thumbnail,
		})
	}
	return items
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
