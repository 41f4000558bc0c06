package handlers

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/hanko-field/storefront/internal/repositories"
	"github.com/hanko-field/storefront/internal/services"
)

var (
	errDeviceIDRequired = errors.New("device id header is required")
	errDeviceIDInvalid  = errors.New("device id must be 1-64 characters of letters, digits, '-' or '_'")

	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Session is the in-process state of one device: its cart and its checkout progress.
type Session struct {
	Cart     *services.CartManager
	Checkout *services.CheckoutFlow
	Totals   *services.TotalsTracker
}

// SessionFactory builds and restores the session of a device seen for the first time.
type SessionFactory func(ctx context.Context, deviceID string) (*Session, error)

// SessionDeps collects what every device session shares.
type SessionDeps struct {
	Carts         repositories.CartRepository
	Totals        services.TotalsCalculator
	Orders        services.OrderService
	Validator     *validatorv10.Validate
	CouponCode    string
	CouponPercent float64
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewSessionFactory returns a factory wiring a CartManager, a CheckoutFlow and a TotalsTracker
// for each device. A cart that cannot be restored starts empty; the failure is logged.
func NewSessionFactory(deps SessionDeps) SessionFactory {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return func(ctx context.Context, deviceID string) (*Session, error) {
		cart, err := services.NewCartManager(services.CartManagerDeps{
			DeviceID:      deviceID,
			Repository:    deps.Carts,
			Clock:         deps.Clock,
			CouponCode:    deps.CouponCode,
			CouponPercent: deps.CouponPercent,
			Logger:        deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		if err := cart.Restore(ctx); err != nil {
			logger(ctx, "cart.restore.failed", map[string]any{
				"deviceId": deviceID,
				"error":    err.Error(),
			})
		}
		checkout, err := services.NewCheckoutFlow(services.CheckoutFlowDeps{
			Cart:      cart,
			Totals:    deps.Totals,
			Orders:    deps.Orders,
			Validator: deps.Validator,
			Logger:    deps.Logger,
		})
		if err != nil {
			_ = cart.Close(ctx)
			return nil, err
		}
		return &Session{
			Cart:     cart,
			Checkout: checkout,
			Totals:   services.NewTotalsTracker(deps.Totals),
		}, nil
	}
}

type sessionEntry struct {
	session  *Session
	lastSeen time.Time
}

// SessionRegistry keeps one Session per device id and creates it lazily.
type SessionRegistry struct {
	factory SessionFactory
	clock   func() time.Time
	group   singleflight.Group

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(factory SessionFactory, clock func() time.Time) (*SessionRegistry, error) {
	if factory == nil {
		return nil, errors.New("session registry: factory is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SessionRegistry{
		factory:  factory,
		clock:    clock,
		sessions: make(map[string]*sessionEntry),
	}, nil
}

// Get returns the session of deviceID, creating and restoring it on first use. Concurrent first
// requests from the same device share one creation.
func (r *SessionRegistry) Get(ctx context.Context, deviceID string) (*Session, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errDeviceIDRequired
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return nil, errDeviceIDInvalid
	}

	if session := r.lookup(deviceID); session != nil {
		return session, nil
	}

	value, err, _ := r.group.Do(deviceID, func() (any, error) {
		if session := r.lookup(deviceID); session != nil {
			return session, nil
		}
		session, err := r.factory(context.WithoutCancel(ctx), deviceID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sessions[deviceID] = &sessionEntry{session: session, lastSeen: r.clock()}
		r.mu.Unlock()
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Session), nil
}

func (r *SessionRegistry) lookup(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[deviceID]
	if !ok {
		return nil
	}
	entry.lastSeen = r.clock()
	return entry.session
}

// Len reports the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict closes sessions idle for longer than maxIdle, flushing their carts. It returns the
// number of sessions removed.
func (r *SessionRegistry) Evict(ctx context.Context, maxIdle time.Duration) int {
	cutoff := r.clock().Add(-maxIdle)
	r.mu.Lock()
	var idle []*Session
	for id, entry := range r.sessions {
		if entry.lastSeen.Before(cutoff) {
			idle = append(idle, entry.session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, session := range idle {
		_ = session.Cart.Close(ctx)
	}
	return len(idle)
}

// Close flushes and closes every session.
func (r *SessionRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, entry := range r.sessions {
		sessions = append(sessions, entry.session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := session.Cart.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
