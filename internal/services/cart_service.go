package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	defaultCouponCode    = "INDIRIM10"
	defaultCouponPercent = 10
	maxDeliveryNoteRunes = 500
	cartPersistTimeout   = 10 * time.Second
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartItemOutOfStock is returned when adding an item that is not in stock. The cart is unchanged.
	ErrCartItemOutOfStock = errors.New("cart: item out of stock")
	// ErrCouponInvalid indicates the coupon code is not recognised. The cart is unchanged.
	ErrCouponInvalid = errors.New("cart: coupon invalid")
	// ErrCartLineNotFound indicates no line matches the requested id.
	ErrCartLineNotFound = errors.New("cart: line not found")
	// ErrCartClosed is returned by Flush after Close.
	ErrCartClosed = errors.New("cart: closed")
)

// CartManagerDeps wires persistence and promotion settings for one cart session.
type CartManagerDeps struct {
	DeviceID string
	// Repository is optional; without it the cart lives only in memory.
	Repository    repositories.CartRepository
	Clock         func() time.Time
	CouponCode    string
	CouponPercent float64
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// CartManager owns the cart aggregate of one device. Mutations are serialised and every
// mutation schedules an asynchronous save of the resulting state. Saves are coalesced so
// only the most recent state is written, and writes never go backwards.
type CartManager struct {
	deviceID   string
	repo       repositories.CartRepository
	now        func() time.Time
	couponCode string
	couponRate decimal.Decimal
	sanitizer  *bluemonday.Policy
	logger     func(context.Context, string, map[string]any)

	mu       sync.Mutex
	state    domain.CartState
	revision uint64

	persistMu    sync.Mutex
	pending      *domain.CartState
	scheduledSeq uint64
	doneSeq      uint64
	progress     chan struct{}
	wake         chan struct{}
	stop         chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
	closed       bool
}

// NewCartManager constructs an empty cart. Call Restore to load persisted state.
func NewCartManager(deps CartManagerDeps) (*CartManager, error) {
	deviceID := strings.TrimSpace(deps.DeviceID)
	if deviceID == "" {
		return nil, errors.New("cart manager: device id is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	code := strings.ToUpper(strings.TrimSpace(deps.CouponCode))
	if code == "" {
		code = defaultCouponCode
	}
	percent := deps.CouponPercent
	if percent <= 0 || percent > 100 {
		percent = defaultCouponPercent
	}

	m := &CartManager{
		deviceID:   deviceID,
		repo:       deps.Repository,
		now:        func() time.Time { return clock().UTC() },
		couponCode: code,
		couponRate: decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100)),
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     logger,
		progress:   make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if m.repo != nil {
		go m.runPersister()
	} else {
		close(m.stopped)
	}
	return m, nil
}

// DeviceID returns the session key the cart is persisted under.
func (m *CartManager) DeviceID() string {
	return m.deviceID
}

// Restore replaces the in-memory state with the persisted cart. A missing cart leaves the
// cart empty and is not an error.
func (m *CartManager) Restore(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	state, err := m.repo.Load(ctx, m.deviceID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return fmt.Errorf("cart: restore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.Clone()
	m.revision++
	return nil
}

// AddItem adds qty units of item, raising the quantity to the item's MOQ when needed.
// A non-positive qty means one unit.
func (m *CartManager) AddItem(item domain.CartLine, qty int) error {
	item.ID = strings.TrimSpace(item.ID)
	item.Currency = domain.NormalizeCurrency(string(item.Currency))
	if item.ID == "" {
		return fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	if item.UnitPrice <= 0 {
		return fmt.Errorf("%w: unit price must be positive", ErrCartInvalidInput)
	}
	if !item.Currency.Valid() {
		return fmt.Errorf("%w: unsupported currency %q", ErrCartInvalidInput, item.Currency)
	}
	if item.MOQ < 0 {
		return fmt.Errorf("%w: moq must not be negative", ErrCartInvalidInput)
	}
	if !item.InStock {
		return ErrCartItemOutOfStock
	}

	if qty <= 0 {
		qty = 1
	}
	moq := item.EffectiveMOQ()
	actual := max(qty, moq)

	m.mutate(func(state *domain.CartState) {
		for i := range state.Lines {
			if state.Lines[i].ID == item.ID {
				state.Lines[i].Quantity = max(state.Lines[i].Quantity+actual, moq)
				return
			}
		}
		item.Quantity = actual
		state.Lines = append(state.Lines, item)
	})
	return nil
}

// RemoveItem deletes the line. Removing an absent line is a no-op.
func (m *CartManager) RemoveItem(id string) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := indexOfLine(m.state.Lines, id)
	if idx < 0 {
		return
	}
	m.applyLocked(func(state *domain.CartState) {
		state.Lines = append(state.Lines[:idx:idx], state.Lines[idx+1:]...)
	})
}

// Inc raises the quantity by one.
func (m *CartManager) Inc(id string) error {
	return m.updateLine(id, func(line *domain.CartLine) {
		line.Quantity++
	})
}

// Dec lowers the quantity by one without going below max(1, moq).
func (m *CartManager) Dec(id string) error {
	return m.updateLine(id, func(line *domain.CartLine) {
		line.Quantity = max(line.Quantity-1, line.EffectiveMOQ())
	})
}

// UpdateQuantity sets the quantity, raised to the MOQ when below it. A non-positive qty
// removes the line regardless of MOQ.
func (m *CartManager) UpdateQuantity(id string, qty int) error {
	if qty <= 0 {
		id = strings.TrimSpace(id)
		m.mu.Lock()
		defer m.mu.Unlock()
		idx := indexOfLine(m.state.Lines, id)
		if idx < 0 {
			return ErrCartLineNotFound
		}
		m.applyLocked(func(state *domain.CartState) {
			state.Lines = append(state.Lines[:idx:idx], state.Lines[idx+1:]...)
		})
		return nil
	}
	return m.updateLine(id, func(line *domain.CartLine) {
		line.Quantity = max(qty, line.EffectiveMOQ())
	})
}

// ApplyCoupon validates code and freezes the discount against the current subtotal.
// Later cart changes do not recompute it.
func (m *CartManager) ApplyCoupon(code string) error {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" || normalized != m.couponCode {
		return fmt.Errorf("%w: %q", ErrCouponInvalid, normalized)
	}
	m.mutate(func(state *domain.CartState) {
		subtotal := decimal.NewFromFloat(cartSubtotal(state.Lines))
		state.CouponCode = normalized
		state.Discount = subtotal.Mul(m.couponRate).Round(2).InexactFloat64()
	})
	return nil
}

// ClearCoupon removes the coupon and its discount.
func (m *CartManager) ClearCoupon() {
	m.mutate(func(state *domain.CartState) {
		state.CouponCode = ""
		state.Discount = 0
	})
}

// SetDeliveryNote stores the note as plain text. A blank note clears it.
func (m *CartManager) SetDeliveryNote(note string) {
	cleaned := strings.TrimSpace(html.UnescapeString(m.sanitizer.Sanitize(note)))
	if runes := []rune(cleaned); len(runes) > maxDeliveryNoteRunes {
		cleaned = strings.TrimSpace(string(runes[:maxDeliveryNoteRunes]))
	}
	m.mutate(func(state *domain.CartState) {
		state.DeliveryNote = cleaned
	})
}

// Clear resets the cart to its empty initial state.
func (m *CartManager) Clear() {
	m.mutate(func(state *domain.CartState) {
		*state = domain.CartState{}
	})
}

// ClearOrdered empties the cart after placed (taken at revision) became an order. When the cart
// changed since then, only what the order consumed is taken out: lines are reduced by the ordered
// quantity (kept at their MOQ floor when units remain) and the coupon and note go only if unchanged.
// It reports whether the cart was cleared entirely.
func (m *CartManager) ClearOrdered(revision uint64, placed domain.CartState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revision == revision {
		m.applyLocked(func(state *domain.CartState) {
			*state = domain.CartState{}
		})
		return true
	}

	ordered := make(map[string]int, len(placed.Lines))
	for _, line := range placed.Lines {
		ordered[line.ID] += line.Quantity
	}
	m.applyLocked(func(state *domain.CartState) {
		kept := state.Lines[:0]
		for _, line := range state.Lines {
			if qty, ok := ordered[line.ID]; ok {
				remaining := line.Quantity - qty
				if remaining <= 0 {
					continue
				}
				line.Quantity = max(remaining, line.EffectiveMOQ())
			}
			kept = append(kept, line)
		}
		state.Lines = kept
		if state.CouponCode == placed.CouponCode {
			state.CouponCode = ""
			state.Discount = 0
		}
		if state.DeliveryNote == placed.DeliveryNote {
			state.DeliveryNote = ""
		}
	})
	return false
}

// Subtotal sums unit price times quantity across lines without currency conversion.
func (m *CartManager) Subtotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cartSubtotal(m.state.Lines)
}

// TotalCount sums the quantities of every line.
func (m *CartManager) TotalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, line := range m.state.Lines {
		count += line.Quantity
	}
	return count
}

// FinalTotal is the subtotal minus the frozen coupon discount.
func (m *CartManager) FinalTotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	subtotal := decimal.NewFromFloat(cartSubtotal(m.state.Lines))
	return subtotal.Sub(decimal.NewFromFloat(m.state.Discount)).Round(2).InexactFloat64()
}

// Snapshot returns a deep copy of the cart.
func (m *CartManager) Snapshot() domain.CartState {
	state, _ := m.Versioned()
	return state
}

// Versioned returns a deep copy of the cart together with its revision. The revision
// increases with every mutation.
func (m *CartManager) Versioned() (domain.CartState, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), m.revision
}

// Flush blocks until every save scheduled before the call has been attempted.
func (m *CartManager) Flush(ctx context.Context) error {
	m.persistMu.Lock()
	target := m.scheduledSeq
	for m.doneSeq < target {
		if m.closed {
			m.persistMu.Unlock()
			return ErrCartClosed
		}
		ch := m.progress
		m.persistMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.persistMu.Lock()
	}
	m.persistMu.Unlock()
	return nil
}

// Close flushes outstanding saves and stops the background writer.
func (m *CartManager) Close(ctx context.Context) error {
	err := m.Flush(ctx)
	m.closeOnce.Do(func() {
		m.persistMu.Lock()
		m.closed = true
		m.persistMu.Unlock()
		if m.repo != nil {
			close(m.stop)
		}
	})
	select {
	case <-m.stopped:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if errors.Is(err, ErrCartClosed) {
		return nil
	}
	return err
}

func (m *CartManager) updateLine(id string, fn func(line *domain.CartLine)) error {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := indexOfLine(m.state.Lines, id)
	if idx < 0 {
		return ErrCartLineNotFound
	}
	m.applyLocked(func(state *domain.CartState) {
		fn(&state.Lines[idx])
	})
	return nil
}

func (m *CartManager) mutate(fn func(state *domain.CartState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(fn)
}

// applyLocked runs fn on a copy of the state, commits it and schedules a save.
// Callers must hold m.mu so saves are scheduled in mutation order.
func (m *CartManager) applyLocked(fn func(state *domain.CartState)) {
	next := m.state.Clone()
	fn(&next)
	next.UpdatedAt = m.now()
	m.state = next
	m.revision++
	m.schedulePersist(next.Clone())
}

func (m *CartManager) schedulePersist(state domain.CartState) {
	if m.repo == nil {
		return
	}
	m.persistMu.Lock()
	if m.closed {
		m.persistMu.Unlock()
		m.logger(context.Background(), "cart.persist.skipped", map[string]any{
			"deviceId": m.deviceID,
			"reason":   "closed",
		})
		return
	}
	m.pending = &state
	m.scheduledSeq++
	m.persistMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *CartManager) runPersister() {
	defer close(m.stopped)
	for {
		select {
		case <-m.wake:
			m.persistPending()
		case <-m.stop:
			m.persistPending()
			return
		}
	}
}

func (m *CartManager) persistPending() {
	m.persistMu.Lock()
	state := m.pending
	seq := m.scheduledSeq
	m.pending = nil
	m.persistMu.Unlock()
	if state == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cartPersistTimeout)
	err := m.repo.Save(ctx, m.deviceID, *state)
	cancel()
	if err != nil {
		m.logger(ctx, "cart.persist.failed", map[string]any{
			"deviceId": m.deviceID,
			"error":    err.Error(),
		})
	}

	m.persistMu.Lock()
	m.doneSeq = seq
	close(m.progress)
	m.progress = make(chan struct{})
	m.persistMu.Unlock()
}

func indexOfLine(lines []domain.CartLine, id string) int {
	for i := range lines {
		if lines[i].ID == id {
			return i
		}
	}
	return -1
}

func cartSubtotal(lines []domain.CartLine) float64 {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(decimal.NewFromFloat(line.UnitPrice).Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total.InexactFloat64()
}
