// Package memory provides process-local repository implementations used for local
// runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// OrderRepository keeps orders in a map guarded by a mutex.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("memory orders: order id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[id]; exists {
		return repositories.NewConflictError("orders.insert", fmt.Errorf("order %s already exists", id))
	}
	r.orders[id] = cloneOrder(order)
	return nil
}

func (r *OrderRepository) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; !exists {
		return repositories.NewNotFoundError("orders.update", fmt.Errorf("order %s not found", order.ID))
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.get", fmt.Errorf("order %s not found", orderID))
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	r.mu.RLock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return orderedBefore(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if cursor := filter.StartAfter; cursor != nil {
		idx := sort.Search(len(out), func(i int) bool {
			return orderedBefore(cursor.CreatedAt, cursor.ID, out[i].CreatedAt, out[i].ID)
		})
		out = out[idx:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// orderedBefore reports whether (aAt, aID) sorts before (bAt, bID) in newest-first order.
func orderedBefore(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if aAt.Equal(bAt) {
		return aID > bID
	}
	return aAt.After(bAt)
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}
