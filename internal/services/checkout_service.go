package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"

	domain "github.com/hanko-field/storefront/internal/domain"
)

var (
	// ErrCheckoutEmptyCart indicates checkout was attempted with no cart lines.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutMOQ indicates at least one line is below its minimum order quantity.
	ErrCheckoutMOQ = errors.New("checkout: minimum order quantity not met")
	// ErrCheckoutInProgress indicates an order placement is already running for the session.
	ErrCheckoutInProgress = errors.New("checkout: order placement in progress")
	// ErrCheckoutNotStarted indicates Begin has not been called.
	ErrCheckoutNotStarted = errors.New("checkout: not started")
)

// MOQError carries the violations that blocked checkout.
type MOQError struct {
	Result MOQResult
}

func (e *MOQError) Error() string {
	ids := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		ids = append(ids, v.ID)
	}
	return fmt.Sprintf("%s: %s", ErrCheckoutMOQ.Error(), strings.Join(ids, ", "))
}

func (e *MOQError) Unwrap() error { return ErrCheckoutMOQ }

// NewCheckoutValidator returns a validator that also rejects expired cards.
func NewCheckoutValidator(clock func() time.Time) *validatorv10.Validate {
	if clock == nil {
		clock = time.Now
	}
	v := validatorv10.New()
	v.RegisterStructValidation(func(sl validatorv10.StructLevel) {
		card := sl.Current().Interface().(domain.CreditCardInfo)
		now := clock().UTC()
		if card.ExpiryYear < now.Year() || (card.ExpiryYear == now.Year() && card.ExpiryMonth < int(now.Month())) {
			sl.ReportError(card.ExpiryMonth, "expiryMonth", "ExpiryMonth", "not_expired", "")
		}
	}, domain.CreditCardInfo{})
	return v
}

// CheckoutFlowDeps wires one session's checkout to its cart and the order pipeline.
type CheckoutFlowDeps struct {
	Cart      *CartManager
	Totals    TotalsCalculator
	Orders    OrderService
	Validator *validatorv10.Validate
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// CheckoutFlow drives the checkout state machine for one session and places the order.
type CheckoutFlow struct {
	cart     *CartManager
	totals   TotalsCalculator
	orders   OrderService
	validate *validatorv10.Validate
	logger   func(context.Context, string, map[string]any)

	placing atomic.Bool

	mu        sync.Mutex
	state     domain.CheckoutState
	started   bool
	lastOrder *domain.Order
}

// NewCheckoutFlow validates dependencies and returns a flow in the initial state.
func NewCheckoutFlow(deps CheckoutFlowDeps) (*CheckoutFlow, error) {
	if deps.Cart == nil {
		return nil, errors.New("checkout flow: cart is required")
	}
	if deps.Totals == nil {
		return nil, errors.New("checkout flow: totals calculator is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout flow: order service is required")
	}
	validate := deps.Validator
	if validate == nil {
		validate = NewCheckoutValidator(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CheckoutFlow{
		cart:     deps.Cart,
		totals:   deps.Totals,
		orders:   deps.Orders,
		validate: validate,
		logger:   logger,
		state:    NewCheckoutState(),
	}, nil
}

// Begin enters checkout at the address step. The cart must be non-empty and satisfy every MOQ.
func (f *CheckoutFlow) Begin() (domain.CheckoutState, error) {
	cart := f.cart.Snapshot()
	if len(cart.Lines) == 0 {
		return domain.CheckoutState{}, ErrCheckoutEmptyCart
	}
	if result := ValidateMOQ(cart.Lines); !result.OK {
		return domain.CheckoutState{}, &MOQError{Result: result}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Processing {
		return cloneCheckoutState(f.state), ErrCheckoutInProgress
	}
	f.state = NewCheckoutState()
	f.started = true
	return cloneCheckoutState(f.state), nil
}

// State returns a copy of the current checkout state.
func (f *CheckoutFlow) State() domain.CheckoutState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneCheckoutState(f.state)
}

// Started reports whether Begin succeeded and the flow has not been reset since.
func (f *CheckoutFlow) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// LastOrder returns the most recently placed order of this session.
func (f *CheckoutFlow) LastOrder() (domain.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastOrder == nil {
		return domain.Order{}, false
	}
	return *f.lastOrder, true
}

// Dispatch validates the action payload and applies it through Transition.
func (f *CheckoutFlow) Dispatch(action CheckoutAction) (domain.CheckoutState, error) {
	if err := f.validateAction(action); err != nil {
		return f.State(), err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started && action.Kind != CheckoutActionReset {
		return cloneCheckoutState(f.state), ErrCheckoutNotStarted
	}
	if f.placing.Load() {
		return cloneCheckoutState(f.state), ErrCheckoutInProgress
	}
	next, err := Transition(f.state, action)
	if err != nil {
		return cloneCheckoutState(f.state), err
	}
	f.state = next
	if action.Kind == CheckoutActionReset {
		f.started = false
	}
	return cloneCheckoutState(f.state), nil
}

// Reset abandons checkout and clears every selection.
func (f *CheckoutFlow) Reset() domain.CheckoutState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = NewCheckoutState()
	f.started = false
	return cloneCheckoutState(f.state)
}

// PlaceOrder converts the cart into an order, clears what was ordered from the cart and resets checkout keeping
// only the new order number. Only one placement may run at a time per session; concurrent
// calls fail with ErrCheckoutInProgress.
func (f *CheckoutFlow) PlaceOrder(ctx context.Context) (domain.Order, error) {
	if !f.placing.CompareAndSwap(false, true) {
		return domain.Order{}, ErrCheckoutInProgress
	}
	defer f.placing.Store(false)

	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return domain.Order{}, ErrCheckoutNotStarted
	}
	if f.state.Step != domain.CheckoutStepSummary || !CanPlaceOrder(f.state) {
		f.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: checkout is not ready for placement", ErrCheckoutGuard)
	}
	f.state.Processing = true
	state := cloneCheckoutState(f.state)
	f.mu.Unlock()

	order, placed, revision, err := f.place(ctx, state)
	if err != nil {
		f.mu.Lock()
		f.state.Processing = false
		f.mu.Unlock()
		f.logger(ctx, "checkout.place.failed", map[string]any{
			"deviceId": f.cart.DeviceID(),
			"error":    err.Error(),
		})
		return domain.Order{}, err
	}

	if !f.cart.ClearOrdered(revision, placed) {
		f.logger(ctx, "checkout.place.cart_changed", map[string]any{
			"deviceId":    f.cart.DeviceID(),
			"orderNumber": order.OrderNumber,
		})
	}

	f.mu.Lock()
	f.lastOrder = &order
	f.state, _ = Transition(NewCheckoutState(), CheckoutAction{Kind: CheckoutActionSetOrderNumber, OrderNumber: order.OrderNumber})
	f.started = false
	f.mu.Unlock()

	f.logger(ctx, "checkout.place.succeeded", map[string]any{
		"deviceId":    f.cart.DeviceID(),
		"orderNumber": order.OrderNumber,
		"total":       order.Total,
	})
	return order, nil
}

// place orders the cart as of one revision; the snapshot and revision are returned so the
// caller can clear exactly what was ordered.
func (f *CheckoutFlow) place(ctx context.Context, state domain.CheckoutState) (domain.Order, domain.CartState, uint64, error) {
	cart, revision := f.cart.Versioned()
	if len(cart.Lines) == 0 {
		return domain.Order{}, cart, revision, ErrCheckoutEmptyCart
	}
	if result := ValidateMOQ(cart.Lines); !result.OK {
		return domain.Order{}, cart, revision, &MOQError{Result: result}
	}

	totals := f.totals.CalculateTotalsTRY(ctx, cart.Lines, nil)
	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		Lines:         cart.Lines,
		Total:         totals.Total,
		Address:       *state.Address,
		PaymentMethod: *state.PaymentMethod,
		DeliveryNote:  cart.DeliveryNote,
		CouponCode:    cart.CouponCode,
		Discount:      cart.Discount,
	})
	return order, cart, revision, err
}

func (f *CheckoutFlow) validateAction(action CheckoutAction) error {
	switch action.Kind {
	case CheckoutActionSetAddress:
		if action.Address == nil {
			return nil
		}
		if err := f.validate.Struct(action.Address); err != nil {
			return fmt.Errorf("%w: %s", ErrCheckoutInvalidAction, describeValidation(err))
		}
	case CheckoutActionSetCreditCardInfo:
		if action.CreditCardInfo == nil {
			return nil
		}
		if err := f.validate.Struct(action.CreditCardInfo); err != nil {
			return fmt.Errorf("%w: %s", ErrCheckoutInvalidAction, describeValidation(err))
		}
	}
	return nil
}

func describeValidation(err error) string {
	var errs validatorv10.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return "invalid " + strings.Join(fields, ", ")
}
