package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// CartHandlers exposes the cart of the calling device.
type CartHandlers struct {
	sessions *SessionRegistry
}

// NewCartHandlers constructs cart handlers backed by the session registry.
func NewCartHandlers(sessions *SessionRegistry) *CartHandlers {
	return &CartHandlers{sessions: sessions}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Delete("/items/{itemID}", h.removeItem)
	r.Post("/items/{itemID}:increment", h.incrementItem)
	r.Post("/items/{itemID}:decrement", h.decrementItem)
	r.Put("/items/{itemID}/quantity", h.updateQuantity)
	r.Post("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.clearCoupon)
	r.Put("/note", h.setNote)
	r.Get("/totals", h.getTotals)
	r.Get("/moq", h.getMOQ)
}

type cartLinePayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
	Quantity  int     `json:"quantity"`
	MOQ       int     `json:"moq"`
	InStock   bool    `json:"inStock"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	LineTotal float64 `json:"lineTotal"`
}

type cartPayload struct {
	DeviceID     string            `json:"deviceId"`
	Lines        []cartLinePayload `json:"lines"`
	CouponCode   string            `json:"couponCode,omitempty"`
	Discount     float64           `json:"discount"`
	DeliveryNote string            `json:"deliveryNote,omitempty"`
	Subtotal     float64           `json:"subtotal"`
	FinalTotal   float64           `json:"finalTotal"`
	TotalCount   int               `json:"totalCount"`
	Revision     uint64            `json:"revision"`
	UpdatedAt    string            `json:"updatedAt,omitempty"`
}

type addItemRequest struct {
	Item struct {
		ID        string  `json:"id"`
		Name      string  `json:"name"`
		UnitPrice float64 `json:"unitPrice"`
		Currency  string  `json:"currency"`
		MOQ       int     `json:"moq"`
		InStock   *bool   `json:"inStock"`
		Thumbnail string  `json:"thumbnail"`
	} `json:"item"`
	Quantity int `json:"quantity"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type totalsPayload struct {
	Subtotal  float64           `json:"subtotal"`
	Shipping  float64           `json:"shipping"`
	Total     float64           `json:"total"`
	Currency  string            `json:"currency"`
	Formatted map[string]string `json:"formatted"`
	Revision  uint64            `json:"revision"`
	Stale     bool              `json:"stale,omitempty"`
}

type moqViolationPayload struct {
	ID   string `json:"id"`
	Need int    `json:"need"`
	Have int    `json:"have"`
}

type moqPayload struct {
	OK         bool                  `json:"ok"`
	Violations []moqViolationPayload `json:"violations"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	session.Cart.Clear()
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	var req addItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inStock := true
	if req.Item.InStock != nil {
		inStock = *req.Item.InStock
	}
	line := domain.CartLine{
		ID:        req.Item.ID,
		Name:      strings.TrimSpace(req.Item.Name),
		UnitPrice: req.Item.UnitPrice,
		Currency:  domain.NormalizeCurrency(req.Item.Currency),
		MOQ:       req.Item.MOQ,
		InStock:   inStock,
		Thumbnail: strings.TrimSpace(req.Item.Thumbnail),
	}
	if err := session.Cart.AddItem(line, req.Quantity); err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	session.Cart.RemoveItem(chi.URLParam(r, "itemID"))
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) incrementItem(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, func(cart *services.CartManager, id string) error {
		return cart.Inc(id)
	})
}

func (h *CartHandlers) decrementItem(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, func(cart *services.CartManager, id string) error {
		return cart.Dec(id)
	})
}

func (h *CartHandlers) updateQuantity(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	var req quantityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}
	if err := session.Cart.UpdateQuantity(chi.URLParam(r, "itemID"), *req.Quantity); err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) mutateLine(w http.ResponseWriter, r *http.Request, fn func(*services.CartManager, string) error) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	if err := fn(session.Cart, chi.URLParam(r, "itemID")); err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	var req couponRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := session.Cart.ApplyCoupon(req.Code); err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) clearCoupon(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	session.Cart.ClearCoupon()
	writeCart(w, http.StatusOK, session.Cart)
}

func (h *CartHandlers) setNote(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	var req noteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session.Cart.SetDeliveryNote(req.Note)
	writeCart(w, http.StatusOK, session.Cart)
}

// getTotals converts the cart into TRY. A ?shipping= override replaces the computed fee.
func (h *CartHandlers) getTotals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}

	var override *float64
	if raw := strings.TrimSpace(r.URL.Query().Get("shipping")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping must be a non-negative number", http.StatusBadRequest))
			return
		}
		override = &value
	}

	state, revision := session.Cart.Versioned()
	session.Totals.Invalidate(revision)
	totals, fresh := session.Totals.Recalculate(ctx, revision, state.Lines, override)
	if !fresh {
		if latest, ok := session.Totals.Latest(); ok {
			totals = latest
		}
	}

	lang := preferredLanguage(r)
	writeJSONResponse(w, http.StatusOK, totalsPayload{
		Subtotal: totals.Subtotal,
		Shipping: totals.Shipping,
		Total:    totals.Total,
		Currency: string(totals.Currency),
		Formatted: map[string]string{
			"subtotal": services.FormatAmount(totals.Subtotal, totals.Currency, lang),
			"shipping": services.FormatAmount(totals.Shipping, totals.Currency, lang),
			"total":    services.FormatAmount(totals.Total, totals.Currency, lang),
		},
		Revision: revision,
		Stale:    !fresh,
	})
}

func (h *CartHandlers) getMOQ(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFor(w, r, h.sessions)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, buildMOQPayload(services.ValidateMOQ(session.Cart.Snapshot().Lines)))
}

func writeCart(w http.ResponseWriter, status int, cart *services.CartManager) {
	state, revision := cart.Versioned()
	payload := cartPayload{
		DeviceID:     cart.DeviceID(),
		Lines:        make([]cartLinePayload, 0, len(state.Lines)),
		CouponCode:   state.CouponCode,
		Discount:     state.Discount,
		DeliveryNote: state.DeliveryNote,
		Subtotal:     cart.Subtotal(),
		FinalTotal:   cart.FinalTotal(),
		TotalCount:   cart.TotalCount(),
		Revision:     revision,
	}
	if !state.UpdatedAt.IsZero() {
		payload.UpdatedAt = state.UpdatedAt.UTC().Format(time.RFC3339Nano)
		w.Header().Set("Last-Modified", state.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	for _, line := range state.Lines {
		payload.Lines = append(payload.Lines, cartLinePayload{
			ID:        line.ID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Currency:  string(line.Currency),
			Quantity:  line.Quantity,
			MOQ:       line.MOQ,
			InStock:   line.InStock,
			Thumbnail: line.Thumbnail,
			LineTotal: line.LineTotal(),
		})
	}
	w.Header().Set("ETag", `W/"`+strconv.FormatUint(revision, 10)+`"`)
	writeJSONResponse(w, status, payload)
}

func buildMOQPayload(result services.MOQResult) moqPayload {
	payload := moqPayload{OK: result.OK, Violations: make([]moqViolationPayload, 0, len(result.Violations))}
	for _, v := range result.Violations {
		payload.Violations = append(payload.Violations, moqViolationPayload{ID: v.ID, Need: v.Need, Have: v.Have})
	}
	return payload
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartItemOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("item_out_of_stock", "item is out of stock", http.StatusConflict))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_invalid", "coupon code is not valid", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartLineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "item is not in the cart", http.StatusNotFound))
	default:
		writeInternalError(ctx, w, "cart_error", err)
	}
}
