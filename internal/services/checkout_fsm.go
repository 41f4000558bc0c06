package services

import (
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/storefront/internal/domain"
)

var (
	// ErrCheckoutGuard indicates a forward step whose guard is not satisfied.
	ErrCheckoutGuard = errors.New("checkout: guard not satisfied")
	// ErrCheckoutInvalidAction indicates an unknown action or a malformed payload.
	ErrCheckoutInvalidAction = errors.New("checkout: invalid action")
)

// CheckoutActionKind enumerates the checkout state machine inputs.
type CheckoutActionKind string

const (
	CheckoutActionSetStep           CheckoutActionKind = "set-step"
	CheckoutActionSetAddress        CheckoutActionKind = "set-address"
	CheckoutActionSetPaymentMethod  CheckoutActionKind = "set-payment-method"
	CheckoutActionSetCreditCardInfo CheckoutActionKind = "set-credit-card-info"
	CheckoutActionSetOrderNumber    CheckoutActionKind = "set-order-number"
	CheckoutActionSetProcessing     CheckoutActionKind = "set-processing"
	CheckoutActionReset             CheckoutActionKind = "reset"
)

// CheckoutAction is one input to Transition. Only the payload field matching Kind is read.
type CheckoutAction struct {
	Kind           CheckoutActionKind      `json:"type"`
	Step           domain.CheckoutStep     `json:"step,omitempty"`
	Address        *domain.DeliveryAddress `json:"address,omitempty"`
	PaymentMethod  domain.PaymentMethod    `json:"paymentMethod,omitempty"`
	CreditCardInfo *domain.CreditCardInfo  `json:"creditCardInfo,omitempty"`
	OrderNumber    string                  `json:"orderNumber,omitempty"`
	Processing     bool                    `json:"processing,omitempty"`
}

// NewCheckoutState returns the initial state: the address step with nothing selected.
func NewCheckoutState() domain.CheckoutState {
	return domain.CheckoutState{Step: domain.CheckoutStepAddress}
}

// CanProceedToPayment reports whether an address is selected.
func CanProceedToPayment(state domain.CheckoutState) bool {
	return state.Address != nil
}

// CanProceedToSummary requires an address, a payment method and, for credit cards, card details.
func CanProceedToSummary(state domain.CheckoutState) bool {
	if state.Address == nil || state.PaymentMethod == nil {
		return false
	}
	return *state.PaymentMethod != domain.PaymentMethodCreditCard || state.CreditCardInfo != nil
}

// CanPlaceOrder requires CanProceedToSummary and no submission in flight.
func CanPlaceOrder(state domain.CheckoutState) bool {
	return CanProceedToSummary(state) && !state.Processing
}

// Transition applies action to state and returns the new state. It has no side effects and
// never modifies the input.
func Transition(state domain.CheckoutState, action CheckoutAction) (domain.CheckoutState, error) {
	next := cloneCheckoutState(state)
	if next.Step.Index() < 0 {
		next.Step = domain.CheckoutStepAddress
	}

	switch action.Kind {
	case CheckoutActionSetStep:
		return stepTo(next, action.Step)
	case CheckoutActionSetAddress:
		if action.Address == nil {
			return state, fmt.Errorf("%w: address is required", ErrCheckoutInvalidAction)
		}
		addr := *action.Address
		next.Address = &addr
	case CheckoutActionSetPaymentMethod:
		if !action.PaymentMethod.Valid() {
			return state, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidAction, action.PaymentMethod)
		}
		method := action.PaymentMethod
		next.PaymentMethod = &method
	case CheckoutActionSetCreditCardInfo:
		if action.CreditCardInfo == nil {
			return state, fmt.Errorf("%w: credit card info is required", ErrCheckoutInvalidAction)
		}
		card := *action.CreditCardInfo
		next.CreditCardInfo = &card
	case CheckoutActionSetOrderNumber:
		number := strings.TrimSpace(action.OrderNumber)
		if number == "" {
			next.OrderNumber = nil
		} else {
			next.OrderNumber = &number
		}
	case CheckoutActionSetProcessing:
		next.Processing = action.Processing
	case CheckoutActionReset:
		return NewCheckoutState(), nil
	default:
		return state, fmt.Errorf("%w: unknown action %q", ErrCheckoutInvalidAction, action.Kind)
	}
	// A selection change on the summary step that breaks its guard sends the user back to payment.
	if next.Step == domain.CheckoutStepSummary && !CanProceedToSummary(next) {
		next.Step = domain.CheckoutStepPayment
	}
	return next, nil
}

// stepTo allows moving back freely and forward one step at a time when the guard holds.
func stepTo(state domain.CheckoutState, target domain.CheckoutStep) (domain.CheckoutState, error) {
	targetIdx := target.Index()
	if targetIdx < 0 {
		return state, fmt.Errorf("%w: unknown step %q", ErrCheckoutInvalidAction, target)
	}
	currentIdx := state.Step.Index()
	switch {
	case targetIdx <= currentIdx:
	case targetIdx > currentIdx+1:
		return state, fmt.Errorf("%w: cannot skip from %s to %s", ErrCheckoutGuard, state.Step, target)
	case target == domain.CheckoutStepPayment && !CanProceedToPayment(state):
		return state, fmt.Errorf("%w: address is required before payment", ErrCheckoutGuard)
	case target == domain.CheckoutStepSummary && !CanProceedToSummary(state):
		return state, fmt.Errorf("%w: payment details are incomplete", ErrCheckoutGuard)
	}
	state.Step = target
	return state, nil
}

func cloneCheckoutState(state domain.CheckoutState) domain.CheckoutState {
	dup := state
	if state.Address != nil {
		addr := *state.Address
		dup.Address = &addr
	}
	if state.PaymentMethod != nil {
		method := *state.PaymentMethod
		dup.PaymentMethod = &method
	}
	if state.CreditCardInfo != nil {
		card := *state.CreditCardInfo
		dup.CreditCardInfo = &card
	}
	if state.OrderNumber != nil {
		number := *state.OrderNumber
		dup.OrderNumber = &number
	}
	return dup
}
