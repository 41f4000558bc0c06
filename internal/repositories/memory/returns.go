package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// ReturnRequestRepository indexes return requests by order id.
type ReturnRequestRepository struct {
	mu       sync.RWMutex
	requests map[string]domain.ReturnRequest
}

var _ repositories.ReturnRequestRepository = (*ReturnRequestRepository)(nil)

func NewReturnRequestRepository() *ReturnRequestRepository {
	return &ReturnRequestRepository{requests: make(map[string]domain.ReturnRequest)}
}

func (r *ReturnRequestRepository) Insert(_ context.Context, request domain.ReturnRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.requests[request.OrderID]; exists {
		return repositories.NewConflictError("returns.insert", fmt.Errorf("order %s already has a return request", request.OrderID))
	}
	r.requests[request.OrderID] = request
	return nil
}

func (r *ReturnRequestRepository) FindByOrderID(_ context.Context, orderID string) (domain.ReturnRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	request, ok := r.requests[orderID]
	if !ok {
		return domain.ReturnRequest{}, repositories.NewNotFoundError("returns.get", fmt.Errorf("no return request for order %s", orderID))
	}
	return request, nil
}
