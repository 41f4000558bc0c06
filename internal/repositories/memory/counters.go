package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hanko-field/storefront/internal/repositories"
)

// CounterRepository hands out sequence numbers from process memory.
type CounterRepository struct {
	mu     sync.Mutex
	values map[string]int64
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

func NewCounterRepository() *CounterRepository {
	return &CounterRepository{values: make(map[string]int64)}
}

func (r *CounterRepository) Next(_ context.Context, counterID string, limit int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.values[id] + 1
	if limit > 0 && next > limit {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", id, limit))
	}
	r.values[id] = next
	return next, nil
}

// UnitOfWork serialises transactional blocks with a single mutex.
type UnitOfWork struct {
	mu sync.Mutex
}

var _ repositories.UnitOfWork = (*UnitOfWork)(nil)

func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(ctx)
}
