package handlers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hanko-field/storefront/internal/platform/idempotency"
)

func TestCheckout_BeginRequiresCart(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout", "dev-1", nil)
	if rec.Code != http.StatusUnprocessableEntity || errorCode(t, rec) != "cart_empty" {
		t.Fatalf("expected 422 cart_empty, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-step", "step": "payment"})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "checkout_not_started" {
		t.Fatalf("expected 409 checkout_not_started, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCheckout_GuardsForwardSteps(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 0, 1))

	state := decodeResponse[checkoutPayload](t, srv.do(t, http.MethodPost, "/api/v1/checkout", "dev-1", nil))
	if !state.Started || state.Step != "address" || state.CanProceedToPay {
		t.Fatalf("unexpected initial state %+v", state)
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-step", "step": "payment"})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "checkout_guard" {
		t.Fatalf("expected 409 checkout_guard, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-step", "step": "summary"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when skipping a step, got %d", rec.Code)
	}

	bad := addressBody()
	bad["postalCode"] = "34A"
	rec = srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-address", "address": bad})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_request" {
		t.Fatalf("expected 400 for invalid postal code, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "teleport"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}

	state = decodeResponse[checkoutPayload](t, srv.do(t, http.MethodGet, "/api/v1/checkout", "dev-1", nil))
	if state.Step != "address" || state.Address != nil {
		t.Fatalf("expected rejected actions to leave state untouched, got %+v", state)
	}
}

func TestCheckout_CreditCardRequiresDetails(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 0, 1))
	srv.do(t, http.MethodPost, "/api/v1/checkout", "dev-1", nil)
	srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-address", "address": addressBody()})
	srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-step", "step": "payment"})
	srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-payment-method", "paymentMethod": "credit-card"})

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-step", "step": "summary"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without card details, got %d", rec.Code)
	}

	expired := map[string]any{
		"cardNumber":  "4111111111111111",
		"expiryMonth": 1,
		"expiryYear":  testNow.Year(),
		"cvv":         "123",
		"holderName":  "Ayse Yilmaz",
	}
	rec = srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-credit-card-info", "creditCardInfo": expired})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for expired card, got %d %s", rec.Code, rec.Body.String())
	}

	valid := map[string]any{
		"cardNumber":  "4111111111111111",
		"expiryMonth": 12,
		"expiryYear":  testNow.Add(2 * 365 * 24 * time.Hour).Year(),
		"cvv":         "123",
		"holderName":  "Ayse Yilmaz",
	}
	state := decodeResponse[checkoutPayload](t, srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-credit-card-info", "creditCardInfo": valid}))
	if state.CreditCard == nil || strings.Contains(state.CreditCard.Masked, "41111111") || !strings.HasSuffix(state.CreditCard.Masked, "1111") {
		t.Fatalf("expected masked card, got %+v", state.CreditCard)
	}
	if !state.CanProceedToSum {
		t.Fatal("expected summary to be reachable")
	}
}

func TestCheckout_PlaceOrder(t *testing.T) {
	srv := newTestServer(t)

	order := placeTestOrder(t, srv, "dev-1")
	if order.OrderNumber != "SF-2025-000001" {
		t.Fatalf("expected SF-2025-000001, got %q", order.OrderNumber)
	}
	if order.Status != "pending" || !order.CanCancel || order.CanReturn {
		t.Fatalf("unexpected order flags %+v", order)
	}
	if order.Total != 16500 || order.Currency != "TRY" {
		t.Fatalf("expected TRY total 16500, got %v %s", order.Total, order.Currency)
	}
	if !strings.Contains(order.ShippingAddress, "Kadikoy") {
		t.Fatalf("expected address snapshot, got %q", order.ShippingAddress)
	}

	cart := decodeResponse[cartPayload](t, srv.do(t, http.MethodGet, "/api/v1/cart", "dev-1", nil))
	if len(cart.Lines) != 0 {
		t.Fatalf("expected cart cleared after placement, got %+v", cart.Lines)
	}

	state := decodeResponse[checkoutPayload](t, srv.do(t, http.MethodGet, "/api/v1/checkout", "dev-1", nil))
	if state.Started || state.Step != "address" || state.OrderNumber != order.OrderNumber || state.Address != nil {
		t.Fatalf("expected reset checkout keeping the order number, got %+v", state)
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout:place", "dev-1", nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "checkout_not_started" {
		t.Fatalf("expected second placement to fail with 409, got %d %s", rec.Code, rec.Body.String())
	}

	second := placeTestOrder(t, srv, "dev-2")
	if second.OrderNumber != "SF-2025-000002" {
		t.Fatalf("expected sequential order number, got %q", second.OrderNumber)
	}
}

func TestCheckout_PlaceBeforeSummaryIsGuarded(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 0, 1))
	srv.do(t, http.MethodPost, "/api/v1/checkout", "dev-1", nil)

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout:place", "dev-1", nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "checkout_guard" {
		t.Fatalf("expected 409 checkout_guard, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCheckout_Reset(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 0, 1))
	srv.do(t, http.MethodPost, "/api/v1/checkout", "dev-1", nil)
	srv.do(t, http.MethodPost, "/api/v1/checkout/actions", "dev-1", map[string]any{"type": "set-address", "address": addressBody()})

	state := decodeResponse[checkoutPayload](t, srv.do(t, http.MethodDelete, "/api/v1/checkout", "dev-1", nil))
	if state.Started || state.Address != nil || state.Step != "address" {
		t.Fatalf("expected reset state, got %+v", state)
	}
}

func TestCheckout_PlaceReplaysWithIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	order := placeTestOrderWithKey(t, srv, "dev-1", "place-1")

	rec := srv.doWithHeaders(t, http.MethodPost, "/api/v1/checkout:place", "dev-1", nil, map[string]string{idempotency.HeaderName: "place-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(idempotency.ReplayHeaderName) != "true" {
		t.Fatal("expected replay header")
	}
	replayed := decodeResponse[placeOrderResponse](t, rec).Order
	if replayed.OrderNumber != order.OrderNumber {
		t.Fatalf("expected replay of %s, got %s", order.OrderNumber, replayed.OrderNumber)
	}

	list := decodeResponse[orderListResponse](t, srv.do(t, http.MethodGet, "/api/v1/orders", "", nil))
	if len(list.Items) != 1 {
		t.Fatalf("expected a single order, got %d", len(list.Items))
	}
}
