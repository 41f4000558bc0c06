package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// CheckoutHandlers drive the checkout state machine of the calling device.
type CheckoutHandlers struct {
	sessions *SessionRegistry
	placeMW  []func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers backed by the session registry.
// placeMiddleware wraps only the order placement route, e.g. idempotency replay.
func NewCheckoutHandlers(sessions *SessionRegistry, placeMiddleware ...func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{sessions: sessions, placeMW: placeMiddleware}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getState)
	r.Post("/", h.begin)
	r.Delete("/", h.reset)
	r.Post("/actions", h.dispatch)
}

// PlaceRoute registers POST /checkout:place, which sits beside the /checkout group.
func (h *CheckoutHandlers) PlaceRoute(r chi.Router) {
	r.With(h.placeMW...).Post("/checkout:place", h.place)
}

type cardPayload struct {
	Masked      string `json:"cardNumber"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
	HolderName  string `json:"holderName"`
}

type checkoutPayload struct {
	Started         bool                    `json:"started"`
	Step            string                  `json:"step"`
	Address         *domain.DeliveryAddress `json:"address,omitempty"`
	PaymentMethod   string                  `json:"paymentMethod,omitempty"`
	CreditCard      *cardPayload            `json:"creditCard,omitempty"`
	OrderNumber     string                  `json:"orderNumber,omitempty"`
	Processing      bool                    `json:"processing"`
	CanProceedToPay bool                    `json:"canProceedToPayment"`
	CanProceedToSum bool                    `json:"canProceedToSummary"`
	CanPlaceOrder   bool                    `json:"canPlaceOrder"`
}

type placeOrderResponse struct {
	Order    orderPayload    `json:"order"`
	Checkout checkoutPayload `json:"checkout"`
}

func (h *CheckoutHandlers) getState(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(session.Checkout.State(), session.Checkout.Started()))
}

func (h *CheckoutHandlers) begin(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	state, err := session.Checkout.Begin()
	if err != nil {
		writeCheckoutError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(state, true))
}

func (h *CheckoutHandlers) reset(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(session.Checkout.Reset(), false))
}

func (h *CheckoutHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	var action services.CheckoutAction
	if !decodeBody(w, r, &action) {
		return
	}
	state, err := session.Checkout.Dispatch(action)
	if err != nil {
		writeCheckoutError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(state, session.Checkout.Started()))
}

func (h *CheckoutHandlers) place(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	order, err := session.Checkout.PlaceOrder(r.Context())
	if err != nil {
		writeCheckoutError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, placeOrderResponse{
		Order:    buildOrderPayload(order),
		Checkout: buildCheckoutPayload(session.Checkout.State(), session.Checkout.Started()),
	})
}

func buildCheckoutPayload(state domain.CheckoutState, started bool) checkoutPayload {
	payload := checkoutPayload{
		Started:         started,
		Step:            string(state.Step),
		Address:         state.Address,
		Processing:      state.Processing,
		CanProceedToPay: services.CanProceedToPayment(state),
		CanProceedToSum: services.CanProceedToSummary(state),
		CanPlaceOrder:   services.CanPlaceOrder(state),
	}
	if state.PaymentMethod != nil {
		payload.PaymentMethod = string(*state.PaymentMethod)
	}
	if card := state.CreditCardInfo; card != nil {
		payload.CreditCard = &cardPayload{
			Masked:      card.Masked(),
			ExpiryMonth: card.ExpiryMonth,
			ExpiryYear:  card.ExpiryYear,
			HolderName:  card.HolderName,
		}
	}
	if state.OrderNumber != nil {
		payload.OrderNumber = *state.OrderNumber
	}
	return payload
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var moqErr *services.MOQError
	switch {
	case errors.As(err, &moqErr):
		httpx.WriteError(ctx, w, httpx.NewError("moq_not_met", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"violations": buildMOQPayload(moqErr.Result).Violations}))
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutGuard):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_guard", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInvalidAction):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "an order is already being placed", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutNotStarted):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_started", "checkout has not been started", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCounterExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("order_numbers_exhausted", "no order numbers left for this year", http.StatusServiceUnavailable))
	default:
		writeInternalError(ctx, w, "checkout_error", err)
	}
}
