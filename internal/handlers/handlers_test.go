package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/repositories/memory"
	"github.com/hanko-field/storefront/internal/services"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// tryPerUnit mirrors a stable rate table so totals are predictable.
var tryPerUnit = map[domain.Currency]float64{
	domain.CurrencyTRY: 1,
	domain.CurrencyUSD: 33,
	domain.CurrencyEUR: 36,
	domain.CurrencyGBP: 42,
}

type fixedCurrency struct{}

func (fixedCurrency) GetRates(context.Context) domain.RateTable {
	return domain.RateTable{
		Rates:     map[string]float64{"USD_TRY": 33, "EUR_TRY": 36},
		FetchedAt: testNow,
	}
}

func (fixedCurrency) Convert(_ context.Context, amount float64, from, to domain.Currency) float64 {
	if from == to {
		return amount
	}
	return amount * tryPerUnit[from] / tryPerUnit[to]
}

type testServer struct {
	router   chi.Router
	sessions *SessionRegistry
	orders   services.OrderService
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	clock := func() time.Time { return testNow }

	counters, err := services.NewCounterService(services.CounterServiceDeps{Repository: memory.NewCounterRepository(), Clock: clock})
	if err != nil {
		t.Fatalf("NewCounterService: %v", err)
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     memory.NewOrderRepository(),
		Returns:    memory.NewReturnRequestRepository(),
		Counters:   counters,
		UnitOfWork: &memory.UnitOfWork{},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	totals, err := services.NewTotalsCalculator(services.TotalsCalculatorDeps{Currency: fixedCurrency{}})
	if err != nil {
		t.Fatalf("NewTotalsCalculator: %v", err)
	}

	sessions, err := NewSessionRegistry(NewSessionFactory(SessionDeps{
		Totals:    totals,
		Orders:    orders,
		Validator: services.NewCheckoutValidator(clock),
		Clock:     clock,
	}), clock)
	if err != nil {
		t.Fatalf("NewSessionRegistry: %v", err)
	}
	t.Cleanup(func() {
		_ = sessions.Close(context.Background())
	})

	checkout := NewCheckoutHandlers(sessions, idempotency.Middleware(idempotency.NewMemoryStore()))
	router := NewRouter(
		WithCartRoutes(NewCartHandlers(sessions).Routes),
		WithCheckoutRoutes(checkout.Routes, checkout.PlaceRoute),
		WithOrderRoutes(NewOrderHandlers(orders).Routes),
		WithFXRoutes(NewFXHandlers(fixedCurrency{}).Routes),
	)
	return testServer{router: router, sessions: sessions, orders: orders}
}

func (s testServer) do(t *testing.T, method, path, device string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.doWithHeaders(t, method, path, device, body, nil)
}

func (s testServer) doWithHeaders(t *testing.T, method, path, device string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if device != "" {
		req.Header.Set(httpx.DeviceIDHeader, device)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeResponse[map[string]any](t, rec)
	code, _ := body["error"].(string)
	return code
}

func usdItemBody(id string, price float64, moq int, qty int) map[string]any {
	return map[string]any{
		"item": map[string]any{
			"id":        id,
			"name":      "Item " + id,
			"unitPrice": price,
			"currency":  "usd",
			"moq":       moq,
		},
		"quantity": qty,
	}
}

func addressBody() map[string]any {
	return map[string]any{
		"id":         "addr-1",
		"title":      "Home",
		"city":       "Istanbul",
		"district":   "Kadikoy",
		"postalCode": "34710",
		"detail":     "Moda Cd. 12",
	}
}

// placeTestOrder walks one device from an empty cart to a placed order.
func placeTestOrder(t *testing.T, srv testServer, device string) orderPayload {
	t.Helper()
	return placeTestOrderWithKey(t, srv, device, "")
}

func placeTestOrderWithKey(t *testing.T, srv testServer, device, key string) orderPayload {
	t.Helper()
	if rec := srv.do(t, http.MethodPost, "/api/v1/cart/items", device, usdItemBody("p1", 100, 5, 1)); rec.Code != http.StatusOK {
		t.Fatalf("add item: %d %s", rec.Code, rec.Body.String())
	}
	steps := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/v1/checkout", nil},
		{http.MethodPost, "/api/v1/checkout/actions", map[string]any{"type": "set-address", "address": addressBody()}},
		{http.MethodPost, "/api/v1/checkout/actions", map[string]any{"type": "set-step", "step": "payment"}},
		{http.MethodPost, "/api/v1/checkout/actions", map[string]any{"type": "set-payment-method", "paymentMethod": "cash-on-delivery"}},
		{http.MethodPost, "/api/v1/checkout/actions", map[string]any{"type": "set-step", "step": "summary"}},
	}
	for _, step := range steps {
		if rec := srv.do(t, step.method, step.path, device, step.body); rec.Code != http.StatusOK {
			t.Fatalf("%s %s: %d %s", step.method, step.path, rec.Code, rec.Body.String())
		}
	}
	var headers map[string]string
	if key != "" {
		headers = map[string]string{idempotency.HeaderName: key}
	}
	rec := srv.doWithHeaders(t, http.MethodPost, "/api/v1/checkout:place", device, nil, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("place order: %d %s", rec.Code, rec.Body.String())
	}
	return decodeResponse[placeOrderResponse](t, rec).Order
}
