package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const ordersCollection = "orders"

type orderItemDocument struct {
	ID        string  `firestore:"id"`
	Name      string  `firestore:"name"`
	Quantity  int     `firestore:"quantity"`
	UnitPrice float64 `firestore:"unitPrice"`
	Currency  string  `firestore:"currency"`
	Thumbnail string  `firestore:"thumbnail,omitempty"`
}

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	Total           float64             `firestore:"total"`
	Currency        string              `firestore:"currency"`
	Status          string              `firestore:"status"`
	Items           []orderItemDocument `firestore:"items"`
	ShippingAddress string              `firestore:"shippingAddress"`
	PaymentMethod   string              `firestore:"paymentMethod"`
	CanCancel       bool                `firestore:"canCancel"`
	CanReturn       bool                `firestore:"canReturn"`
	DeliveryNote    string              `firestore:"deliveryNote,omitempty"`
	CouponCode      string              `firestore:"couponCode,omitempty"`
	Discount        float64             `firestore:"discount,omitempty"`
}

// OrderRepository persists orders as documents keyed by order id.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	_, err := r.base.Create(ctx, order.ID, encodeOrder(order))
	return err
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.base.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, encodeOrder(order), firestore.MergeAll); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, status := range filter.Status {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor := filter.StartAfter; cursor != nil {
			q = q.StartAfter(cursor.CreatedAt.UTC(), cursor.ID)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ID:        item.ID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  string(item.Currency),
			Thumbnail: item.Thumbnail,
		})
	}
	return orderDocument{
		OrderNumber:     order.OrderNumber,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		Total:           order.Total,
		Currency:        string(order.Currency),
		Status:          string(order.Status),
		Items:           items,
		ShippingAddress: order.ShippingAddress,
		PaymentMethod:   order.PaymentMethod,
		CanCancel:       order.CanCancel,
		CanReturn:       order.CanReturn,
		DeliveryNote:    order.DeliveryNote,
		CouponCode:      order.CouponCode,
		Discount:        order.Discount,
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem{
			ID:        item.ID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  domain.Currency(item.Currency),
			Thumbnail: item.Thumbnail,
		})
	}
	return domain.Order{
		ID:              id,
		OrderNumber:     doc.OrderNumber,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
		Total:           doc.Total,
		Currency:        domain.Currency(doc.Currency),
		Status:          domain.OrderStatus(doc.Status),
		Items:           items,
		ShippingAddress: doc.ShippingAddress,
		PaymentMethod:   doc.PaymentMethod,
		CanCancel:       doc.CanCancel,
		CanReturn:       doc.CanReturn,
		DeliveryNote:    doc.DeliveryNote,
		CouponCode:      doc.CouponCode,
		Discount:        doc.Discount,
	}
}
