package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

type stubRateSource struct {
	calls   atomic.Int32
	fetchFn func(ctx context.Context, call int32) (RateQuote, error)
}

func (s *stubRateSource) FetchRates(ctx context.Context) (RateQuote, error) {
	call := s.calls.Add(1)
	if s.fetchFn != nil {
		return s.fetchFn(ctx, call)
	}
	return usdQuote(33), nil
}

type stubRateCache struct {
	mu     sync.Mutex
	table  *domain.RateTable
	saves  []domain.RateTable
	loadFn func() (domain.RateTable, error)
}

func (s *stubRateCache) Load(context.Context) (domain.RateTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadFn != nil {
		return s.loadFn()
	}
	if s.table == nil {
		return domain.RateTable{}, repositories.NewNotFoundError("rates.load", errors.New("missing"))
	}
	return *s.table, nil
}

func (s *stubRateCache) Save(_ context.Context, table domain.RateTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, table)
	s.table = &table
	return nil
}

func (s *stubRateCache) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func usdQuote(tryPerUSD float64) RateQuote {
	return RateQuote{
		Base: domain.CurrencyUSD,
		Rates: map[domain.Currency]float64{
			domain.CurrencyUSD: 1,
			domain.CurrencyTRY: tryPerUSD,
			domain.CurrencyEUR: 0.92,
			domain.CurrencyGBP: 0.79,
		},
	}
}

func newTestCurrencyService(t *testing.T, source RateSource, cache repositories.RateCacheRepository, clock *manualClock, mutate func(*CurrencyServiceDeps)) CurrencyService {
	t.Helper()
	deps := CurrencyServiceDeps{
		Source:       source,
		Cache:        cache,
		Clock:        clock.Now,
		RetryBackoff: gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewCurrencyService(deps)
	if err != nil {
		t.Fatalf("NewCurrencyService: %v", err)
	}
	return svc
}

func TestCurrencyServiceConvertSameCurrencyIsIdentity(t *testing.T) {
	source := &stubRateSource{}
	svc := newTestCurrencyService(t, source, nil, newManualClock(), nil)

	for _, currency := range domain.SupportedCurrencies {
		if got := svc.Convert(context.Background(), 123.456, currency, currency); got != 123.456 {
			t.Fatalf("expected identity for %s, got %v", currency, got)
		}
	}
	if calls := source.calls.Load(); calls != 0 {
		t.Fatalf("expected no fetch for identity conversions, got %d", calls)
	}
}

func TestCurrencyServiceConvertDirectAndDerivedRates(t *testing.T) {
	svc := newTestCurrencyService(t, &stubRateSource{}, nil, newManualClock(), nil)
	ctx := context.Background()

	if got := svc.Convert(ctx, 500, domain.CurrencyUSD, domain.CurrencyTRY); got != 16500 {
		t.Fatalf("expected 16500 TRY, got %v", got)
	}
	if got := svc.Convert(ctx, 33, domain.CurrencyTRY, domain.CurrencyUSD); got != 1 {
		t.Fatalf("expected 1 USD, got %v", got)
	}
	// EUR->TRY is derived: 33 / 0.92 = 35.869...
	if got := svc.Convert(ctx, 10, domain.CurrencyEUR, domain.CurrencyTRY); got != 358.7 {
		t.Fatalf("expected 358.7 TRY, got %v", got)
	}
}

func TestCurrencyServiceRoundTripWithinRoundingTolerance(t *testing.T) {
	svc := newTestCurrencyService(t, &stubRateSource{}, nil, newManualClock(), nil)
	ctx := context.Background()
	rates := svc.GetRates(ctx)

	for _, a := range domain.SupportedCurrencies {
		for _, b := range domain.SupportedCurrencies {
			if a == b {
				continue
			}
			for _, amount := range []float64{0.5, 1, 99.99, 1234.56} {
				back := svc.Convert(ctx, svc.Convert(ctx, amount, a, b), b, a)
				tolerance := 0.005*rates.Rates[domain.PairKey(b, a)] + 0.005 + 1e-9
				if math.Abs(back-amount) > tolerance {
					t.Fatalf("round trip %s->%s->%s for %v gave %v (tolerance %v)", a, b, a, amount, back, tolerance)
				}
			}
		}
	}
}

func TestCurrencyServiceCachesUntilTTLExpires(t *testing.T) {
	source := &stubRateSource{}
	cache := &stubRateCache{}
	clock := newManualClock()
	svc := newTestCurrencyService(t, source, cache, clock, nil)
	ctx := context.Background()

	first := svc.GetRates(ctx)
	svc.GetRates(ctx)
	if calls := source.calls.Load(); calls != 1 {
		t.Fatalf("expected a single fetch, got %d", calls)
	}
	if cache.saveCount() != 1 {
		t.Fatalf("expected refreshed table to be persisted once, got %d", cache.saveCount())
	}
	if !first.FetchedAt.Equal(clock.Now()) {
		t.Fatalf("expected fetchedAt %s, got %s", clock.Now(), first.FetchedAt)
	}

	clock.Advance(6*time.Hour + time.Second)
	refreshed := svc.GetRates(ctx)
	if calls := source.calls.Load(); calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls)
	}
	if !refreshed.FetchedAt.After(first.FetchedAt) {
		t.Fatalf("expected new timestamp after refresh")
	}
}

func TestCurrencyServiceUsesPersistedTableOnColdStart(t *testing.T) {
	clock := newManualClock()
	persisted := domain.RateTable{
		Rates:     map[string]float64{"USD_TRY": 40, "TRY_USD": 0.025},
		FetchedAt: clock.Now().Add(-time.Hour),
	}
	cache := &stubRateCache{table: &persisted}
	source := &stubRateSource{}
	svc := newTestCurrencyService(t, source, cache, clock, nil)

	if got := svc.Convert(context.Background(), 2, domain.CurrencyUSD, domain.CurrencyTRY); got != 80 {
		t.Fatalf("expected persisted rate to be used, got %v", got)
	}
	if calls := source.calls.Load(); calls != 0 {
		t.Fatalf("expected no fetch with a fresh persisted table, got %d", calls)
	}
}

func TestCurrencyServiceFallsBackWithoutPersisting(t *testing.T) {
	clock := newManualClock()
	stale := domain.RateTable{
		Rates:     map[string]float64{"USD_TRY": 50},
		FetchedAt: clock.Now().Add(-7 * time.Hour),
	}
	cache := &stubRateCache{table: &stale}
	source := &stubRateSource{fetchFn: func(context.Context, int32) (RateQuote, error) {
		return RateQuote{}, errors.New("boom")
	}}
	var events []string
	var mu sync.Mutex
	svc := newTestCurrencyService(t, source, cache, clock, func(d *CurrencyServiceDeps) {
		d.Logger = func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		}
	})

	rates := svc.GetRates(context.Background())
	if rates.Rates["USD_TRY"] != 33 {
		t.Fatalf("expected hardcoded fallback USD_TRY=33, got %v", rates.Rates["USD_TRY"])
	}
	if cache.saveCount() != 0 {
		t.Fatalf("expected fallback table not to be persisted")
	}
	if calls := source.calls.Load(); calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, event := range events {
		if event == "fx.refresh.failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected refresh failure to be logged, got %v", events)
	}
}

func TestCurrencyServiceRetriesTransientFailure(t *testing.T) {
	source := &stubRateSource{fetchFn: func(_ context.Context, call int32) (RateQuote, error) {
		if call == 1 {
			return RateQuote{}, errors.New("temporary")
		}
		return usdQuote(35), nil
	}}
	svc := newTestCurrencyService(t, source, nil, newManualClock(), nil)

	if got := svc.Convert(context.Background(), 1, domain.CurrencyUSD, domain.CurrencyTRY); got != 35 {
		t.Fatalf("expected live rate after retry, got %v", got)
	}
	if calls := source.calls.Load(); calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCurrencyServiceAppliesFetchTimeout(t *testing.T) {
	source := &stubRateSource{fetchFn: func(ctx context.Context, _ int32) (RateQuote, error) {
		<-ctx.Done()
		return RateQuote{}, ctx.Err()
	}}
	svc := newTestCurrencyService(t, source, nil, newManualClock(), func(d *CurrencyServiceDeps) {
		d.FetchTimeout = 10 * time.Millisecond
		d.FetchAttempts = 1
	})

	done := make(chan domain.RateTable, 1)
	go func() { done <- svc.GetRates(context.Background()) }()

	select {
	case rates := <-done:
		if rates.Rates["USD_TRY"] != 33 {
			t.Fatalf("expected fallback after timeout, got %v", rates.Rates)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetRates did not honour the fetch timeout")
	}
}

func TestCurrencyServiceBreakerShortCircuits(t *testing.T) {
	source := &stubRateSource{fetchFn: func(context.Context, int32) (RateQuote, error) {
		return RateQuote{}, errors.New("down")
	}}
	svc := newTestCurrencyService(t, source, nil, newManualClock(), func(d *CurrencyServiceDeps) {
		d.FetchAttempts = 1
		d.BreakerTrips = 2
		d.BreakerTimeout = time.Hour
	})

	for i := 0; i < 5; i++ {
		svc.GetRates(context.Background())
	}
	if calls := source.calls.Load(); calls != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, got %d", calls)
	}
}

func TestCurrencyServiceCoalescesConcurrentRefreshes(t *testing.T) {
	release := make(chan struct{})
	source := &stubRateSource{fetchFn: func(context.Context, int32) (RateQuote, error) {
		<-release
		return usdQuote(33), nil
	}}
	svc := newTestCurrencyService(t, source, nil, newManualClock(), nil)

	var wg sync.WaitGroup
	results := make([]float64, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Convert(context.Background(), 1, domain.CurrencyUSD, domain.CurrencyTRY)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls := source.calls.Load(); calls != 1 {
		t.Fatalf("expected one shared fetch, got %d", calls)
	}
	for i, got := range results {
		if got != 33 {
			t.Fatalf("result %d: expected 33, got %v", i, got)
		}
	}
}

func TestCurrencyServiceRequiresSource(t *testing.T) {
	if _, err := NewCurrencyService(CurrencyServiceDeps{}); err == nil {
		t.Fatal("expected error without rate source")
	}
}

func TestCurrencyServiceRereadsSharedCacheAfterExpiry(t *testing.T) {
	source := &stubRateSource{}
	cache := &stubRateCache{}
	clock := newManualClock()
	svc := newTestCurrencyService(t, source, cache, clock, nil)
	ctx := context.Background()

	svc.GetRates(ctx)
	if calls := source.calls.Load(); calls != 1 {
		t.Fatalf("expected initial fetch, got %d calls", calls)
	}

	clock.Advance(6*time.Hour + time.Second)
	shared := domain.RateTable{
		Rates:     map[string]float64{"USD_TRY": 41, "TRY_USD": 1.0 / 41},
		FetchedAt: clock.Now().Add(-time.Minute),
	}
	cache.mu.Lock()
	cache.table = &shared
	cache.mu.Unlock()

	if got := svc.Convert(ctx, 1, domain.CurrencyUSD, domain.CurrencyTRY); got != 41 {
		t.Fatalf("expected rate saved by another instance, got %v", got)
	}
	if calls := source.calls.Load(); calls != 1 {
		t.Fatalf("expected no fetch while the shared table is fresh, got %d calls", calls)
	}
}
