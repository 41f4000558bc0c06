package handlers

import (
	"net/http"
	"strings"
	"testing"
)

func TestCart_RequiresDeviceID(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/api/v1/cart", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_device_id" {
		t.Fatalf("expected invalid_device_id, got %q", code)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/cart", "bad device!", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestCart_AddItemRaisesToMOQ(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 5, 1))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cart := decodeResponse[cartPayload](t, rec)
	if cart.DeviceID != "dev-1" {
		t.Fatalf("expected device dev-1, got %q", cart.DeviceID)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].Quantity != 5 {
		t.Fatalf("expected one line with quantity 5, got %+v", cart.Lines)
	}
	if cart.Lines[0].Currency != "USD" || !cart.Lines[0].InStock {
		t.Fatalf("unexpected line %+v", cart.Lines[0])
	}
	if cart.Subtotal != 500 || cart.TotalCount != 5 {
		t.Fatalf("expected subtotal 500 and count 5, got %v/%d", cart.Subtotal, cart.TotalCount)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store, got %q", rec.Header().Get("Cache-Control"))
	}
	if !strings.HasPrefix(rec.Header().Get("ETag"), `W/"`) {
		t.Fatalf("expected weak etag, got %q", rec.Header().Get("ETag"))
	}

	// Sessions are isolated per device.
	other := decodeResponse[cartPayload](t, srv.do(t, http.MethodGet, "/api/v1/cart", "dev-2", nil))
	if len(other.Lines) != 0 {
		t.Fatalf("expected empty cart for dev-2, got %+v", other.Lines)
	}
}

func TestCart_AddItemErrors(t *testing.T) {
	srv := newTestServer(t)

	outOfStock := usdItemBody("p1", 100, 0, 1)
	outOfStock["item"].(map[string]any)["inStock"] = false
	rec := srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", outOfStock)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "item_out_of_stock" {
		t.Fatalf("expected 409 item_out_of_stock, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 0, 0, 1))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_request" {
		t.Fatalf("expected 400 for zero price, got %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", map[string]any{"unexpected": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", rec.Code)
	}
}

func TestCart_QuantityEndpoints(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 10, 3, 3))

	cart := decodeResponse[cartPayload](t, srv.do(t, http.MethodPost, "/api/v1/cart/items/p1:increment", "dev-1", nil))
	if cart.Lines[0].Quantity != 4 {
		t.Fatalf("expected 4 after increment, got %d", cart.Lines[0].Quantity)
	}

	srv.do(t, http.MethodPost, "/api/v1/cart/items/p1:decrement", "dev-1", nil)
	cart = decodeResponse[cartPayload](t, srv.do(t, http.MethodPost, "/api/v1/cart/items/p1:decrement", "dev-1", nil))
	if cart.Lines[0].Quantity != 3 {
		t.Fatalf("expected decrement to stop at moq 3, got %d", cart.Lines[0].Quantity)
	}

	cart = decodeResponse[cartPayload](t, srv.do(t, http.MethodPut, "/api/v1/cart/items/p1/quantity", "dev-1", map[string]any{"quantity": 1}))
	if cart.Lines[0].Quantity != 3 {
		t.Fatalf("expected quantity raised to moq, got %d", cart.Lines[0].Quantity)
	}

	rec := srv.do(t, http.MethodPut, "/api/v1/cart/items/p1/quantity", "dev-1", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without quantity, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/cart/items/missing:increment", "dev-1", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "cart_item_not_found" {
		t.Fatalf("expected 404 cart_item_not_found, got %d %s", rec.Code, rec.Body.String())
	}

	cart = decodeResponse[cartPayload](t, srv.do(t, http.MethodPut, "/api/v1/cart/items/p1/quantity", "dev-1", map[string]any{"quantity": 0}))
	if len(cart.Lines) != 0 {
		t.Fatalf("expected zero quantity to remove the line, got %+v", cart.Lines)
	}

	rec = srv.do(t, http.MethodDelete, "/api/v1/cart/items/p1", "dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected removing an absent line to succeed, got %d", rec.Code)
	}
}

func TestCart_CouponAndNote(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 0, 2))

	rec := srv.do(t, http.MethodPost, "/api/v1/cart/coupon", "dev-1", map[string]any{"code": "WRONG"})
	if rec.Code != http.StatusUnprocessableEntity || errorCode(t, rec) != "coupon_invalid" {
		t.Fatalf("expected 422 coupon_invalid, got %d %s", rec.Code, rec.Body.String())
	}

	cart := decodeResponse[cartPayload](t, srv.do(t, http.MethodPost, "/api/v1/cart/coupon", "dev-1", map[string]any{"code": " indirim10 "}))
	if cart.CouponCode != "INDIRIM10" || cart.Discount != 20 || cart.FinalTotal != 180 {
		t.Fatalf("unexpected coupon state %+v", cart)
	}

	cart = decodeResponse[cartPayload](t, srv.do(t, http.MethodDelete, "/api/v1/cart/coupon", "dev-1", nil))
	if cart.CouponCode != "" || cart.Discount != 0 {
		t.Fatalf("expected coupon cleared, got %+v", cart)
	}

	cart = decodeResponse[cartPayload](t, srv.do(t, http.MethodPut, "/api/v1/cart/note", "dev-1", map[string]any{"note": "<b>Ring</b> twice"}))
	if cart.DeliveryNote != "Ring twice" {
		t.Fatalf("expected sanitized note, got %q", cart.DeliveryNote)
	}

	cart = decodeResponse[cartPayload](t, srv.do(t, http.MethodDelete, "/api/v1/cart", "dev-1", nil))
	if len(cart.Lines) != 0 || cart.DeliveryNote != "" {
		t.Fatalf("expected cleared cart, got %+v", cart)
	}
}

func TestCart_TotalsConvertToTRY(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 5, 1))

	rec := srv.do(t, http.MethodGet, "/api/v1/cart/totals?lang=en", "dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	totals := decodeResponse[totalsPayload](t, rec)
	if totals.Currency != "TRY" || totals.Subtotal != 16500 || totals.Shipping != 0 || totals.Total != 16500 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if totals.Stale {
		t.Fatal("expected fresh totals")
	}
	if got := totals.Formatted["total"]; !strings.HasSuffix(got, " TRY") || !strings.Contains(got, "16") {
		t.Fatalf("unexpected formatted total %q", got)
	}

	totals = decodeResponse[totalsPayload](t, srv.do(t, http.MethodGet, "/api/v1/cart/totals?shipping=12.5", "dev-1", nil))
	if totals.Shipping != 12.5 || totals.Total != 16512.5 {
		t.Fatalf("expected shipping override, got %+v", totals)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/cart/totals?shipping=-1", "dev-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative shipping, got %d", rec.Code)
	}
}

func TestCart_TotalsChargeShippingBelowThreshold(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", map[string]any{
		"item":     map[string]any{"id": "p2", "name": "Pin", "unitPrice": 50, "currency": "TRY"},
		"quantity": 2,
	})

	totals := decodeResponse[totalsPayload](t, srv.do(t, http.MethodGet, "/api/v1/cart/totals", "dev-1", nil))
	if totals.Subtotal != 100 || totals.Shipping != 29.9 || totals.Total != 129.9 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestCart_EmptyCartTotalsIgnoreShippingOverride(t *testing.T) {
	srv := newTestServer(t)

	totals := decodeResponse[totalsPayload](t, srv.do(t, http.MethodGet, "/api/v1/cart/totals?shipping=29.9", "dev-1", nil))
	if totals.Subtotal != 0 || totals.Shipping != 0 || totals.Total != 0 {
		t.Fatalf("expected zero totals for an empty cart, got %+v", totals)
	}
}

func TestCart_MOQReport(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/v1/cart/items", "dev-1", usdItemBody("p1", 100, 5, 1))

	report := decodeResponse[moqPayload](t, srv.do(t, http.MethodGet, "/api/v1/cart/moq", "dev-1", nil))
	if !report.OK || len(report.Violations) != 0 {
		t.Fatalf("expected satisfied moq, got %+v", report)
	}
}
