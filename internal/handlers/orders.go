package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/pagination"
	"github.com/hanko-field/storefront/internal/repositories"
	"github.com/hanko-field/storefront/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type orderItemPayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"orderNumber"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt,omitempty"`
	Total           float64            `json:"total"`
	Currency        string             `json:"currency"`
	Status          string             `json:"status"`
	Items           []orderItemPayload `json:"items"`
	ShippingAddress string             `json:"shippingAddress"`
	PaymentMethod   string             `json:"paymentMethod"`
	CanCancel       bool               `json:"canCancel"`
	CanReturn       bool               `json:"canReturn"`
	DeliveryNote    string             `json:"deliveryNote,omitempty"`
	CouponCode      string             `json:"couponCode,omitempty"`
	Discount        float64            `json:"discount,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderActionResponse struct {
	Accepted bool         `json:"accepted"`
	Order    orderPayload `json:"order"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type returnRequestBody struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// OrderHandlers exposes order history and lifecycle endpoints.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Put("/{orderID}/status", h.updateStatus)
	r.Post("/{orderID}/returns", h.createReturn)
}

// listOrders pages newest first. nextPageToken is set when more orders remain.
func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := repositories.OrderListFilter{Limit: params.PageSize + 1}
	if !params.Cursor.IsZero() {
		filter.StartAfter = &repositories.OrderCursor{CreatedAt: params.Cursor.CreatedAt, ID: params.Cursor.ID}
	}
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("unknown status %q", part), http.StatusBadRequest))
				return
			}
			filter.Status = append(filter.Status, status)
		}
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderListResponse{Items: make([]orderPayload, 0, min(len(orders), params.PageSize))}
	if len(orders) > params.PageSize {
		orders = orders[:params.PageSize]
		last := orders[len(orders)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			writeInternalError(ctx, w, "order_error", err)
			return
		}
		resp.NextPageToken = token
	}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

// cancelOrder answers 200 with accepted=false when the order is no longer cancellable.
func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	accepted, err := h.orders.CancelOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	h.writeAction(ctx, w, orderID, accepted)
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	order, err := h.orders.UpdateOrderStatus(ctx, chi.URLParam(r, "orderID"), status)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) createReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req returnRequestBody
	if !decodeBody(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	accepted, err := h.orders.CreateReturnRequest(ctx, services.ReturnRequestCommand{
		OrderID:     orderID,
		Reason:      req.Reason,
		Description: req.Description,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	h.writeAction(ctx, w, orderID, accepted)
}

func (h *OrderHandlers) writeAction(ctx context.Context, w http.ResponseWriter, orderID string, accepted bool) {
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderActionResponse{Accepted: accepted, Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		Total:           order.Total,
		Currency:        string(order.Currency),
		Status:          string(order.Status),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: order.ShippingAddress,
		PaymentMethod:   order.PaymentMethod,
		CanCancel:       order.CanCancel,
		CanReturn:       order.CanReturn,
		DeliveryNote:    order.DeliveryNote,
		CouponCode:      order.CouponCode,
		Discount:        order.Discount,
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:        item.ID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  string(item.Currency),
			Thumbnail: item.Thumbnail,
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently", http.StatusConflict))
	default:
		writeInternalError(ctx, w, "order_error", err)
	}
}
