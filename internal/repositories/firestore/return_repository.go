package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const returnsCollection = "returnRequests"

type returnDocument struct {
	ID          string    `firestore:"id"`
	OrderNumber string    `firestore:"orderNumber"`
	Reason      string    `firestore:"reason"`
	Description string    `firestore:"description,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// ReturnRequestRepository stores one document per order, keyed by order id, so a second
// request for the same order fails the create precondition.
type ReturnRequestRepository struct {
	base *pfirestore.BaseRepository[returnDocument]
}

var _ repositories.ReturnRequestRepository = (*ReturnRequestRepository)(nil)

func NewReturnRequestRepository(provider *pfirestore.Provider) (*ReturnRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("return request repository requires firestore provider")
	}
	return &ReturnRequestRepository{
		base: pfirestore.NewBaseRepository[returnDocument](provider, returnsCollection, nil, nil),
	}, nil
}

func (r *ReturnRequestRepository) Insert(ctx context.Context, request domain.ReturnRequest) error {
	_, err := r.base.Create(ctx, request.OrderID, returnDocument{
		ID:          request.ID,
		OrderNumber: request.OrderNumber,
		Reason:      request.Reason,
		Description: request.Description,
		CreatedAt:   request.CreatedAt.UTC(),
	})
	return err
}

func (r *ReturnRequestRepository) FindByOrderID(ctx context.Context, orderID string) (domain.ReturnRequest, error) {
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return domain.ReturnRequest{
		ID:          doc.Data.ID,
		OrderID:     doc.ID,
		OrderNumber: doc.Data.OrderNumber,
		Reason:      doc.Data.Reason,
		Description: doc.Data.Description,
		CreatedAt:   doc.Data.CreatedAt.UTC(),
	}, nil
}
