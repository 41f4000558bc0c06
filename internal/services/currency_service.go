package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	currencyInstrumentation = "github.com/hanko-field/storefront/internal/services"

	defaultRateTTL            = 6 * time.Hour
	defaultRateFetchTimeout   = 5 * time.Second
	defaultRateFetchAttempts  = 2
	defaultBreakerTrips       = 3
	defaultBreakerOpenTimeout = 30 * time.Second

	rateRefreshKey = "fx:refresh"
)

// fallbackTRYPerUnit is used whenever live rates are unavailable.
var fallbackTRYPerUnit = map[domain.Currency]float64{
	domain.CurrencyTRY: 1,
	domain.CurrencyUSD: 33,
	domain.CurrencyEUR: 36,
	domain.CurrencyGBP: 42,
}

// CurrencyServiceDeps bundles collaborators for the currency service.
type CurrencyServiceDeps struct {
	Source RateSource
	// Cache is optional; without it rates live only in memory.
	Cache repositories.RateCacheRepository
	Clock func() time.Time

	TTL            time.Duration
	FetchTimeout   time.Duration
	FetchAttempts  int
	RetryBackoff   gax.Backoff
	BreakerTrips   uint32
	BreakerTimeout time.Duration

	Meter  metric.Meter
	Tracer trace.Tracer
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type currencyService struct {
	source   RateSource
	cache    repositories.RateCacheRepository
	clock    func() time.Time
	ttl      time.Duration
	timeout  time.Duration
	attempts int
	backoff  gax.Backoff
	breaker  *gobreaker.CircuitBreaker[RateQuote]
	group    singleflight.Group
	tracer   trace.Tracer
	logger   func(context.Context, string, map[string]any)

	fallbacks     metric.Int64Counter
	fetchLatency  metric.Float64Histogram
	metricsActive bool

	mu    sync.RWMutex
	table domain.RateTable
}

// NewCurrencyService constructs the rate cache and converter.
func NewCurrencyService(deps CurrencyServiceDeps) (CurrencyService, error) {
	if deps.Source == nil {
		return nil, errors.New("currency service: rate source is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultRateTTL
	}
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = defaultRateFetchTimeout
	}
	attempts := deps.FetchAttempts
	if attempts <= 0 {
		attempts = defaultRateFetchAttempts
	}
	backoff := deps.RetryBackoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	}
	trips := deps.BreakerTrips
	if trips == 0 {
		trips = defaultBreakerTrips
	}
	openTimeout := deps.BreakerTimeout
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenTimeout
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(currencyInstrumentation)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(currencyInstrumentation)
	}

	svc := &currencyService{
		source:   deps.Source,
		cache:    deps.Cache,
		clock:    func() time.Time { return clock().UTC() },
		ttl:      ttl,
		timeout:  timeout,
		attempts: attempts,
		backoff:  backoff,
		tracer:   tracer,
		logger:   logger,
	}

	svc.breaker = gobreaker.NewCircuitBreaker[RateQuote](gobreaker.Settings{
		Name:    "fx-rate-source",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "fx.breaker.state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	fallbacks, fallbackErr := meter.Int64Counter(
		"storefront.fx.fallback",
		metric.WithDescription("Count of conversions served from the built-in fallback rates"),
	)
	latency, latencyErr := meter.Float64Histogram(
		"storefront.fx.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for rate source fetches"),
	)
	if fallbackErr != nil || latencyErr != nil {
		logger(context.Background(), "fx.metrics.unavailable", map[string]any{
			"error": errors.Join(fallbackErr, latencyErr).Error(),
		})
	} else {
		svc.fallbacks = fallbacks
		svc.fetchLatency = latency
		svc.metricsActive = true
	}

	return svc, nil
}

// GetRates returns the cached table while it is younger than the TTL, otherwise refreshes it.
// Concurrent refreshes share one fetch.
func (s *currencyService) GetRates(ctx context.Context) domain.RateTable {
	if table, ok := s.freshTable(); ok {
		return table
	}

	ch := s.group.DoChan(rateRefreshKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return cloneRateTable(res.Val.(domain.RateTable))
	case <-ctx.Done():
		s.recordFallback(ctx, "cancelled")
		return fallbackRateTable(s.clock())
	}
}

func (s *currencyService) Convert(ctx context.Context, amount float64, from, to domain.Currency) float64 {
	if from == to {
		return amount
	}

	if rate, ok := lookupRate(s.GetRates(ctx), from, to); ok {
		return roundAmount(amount, rate)
	}
	if rate, ok := lookupRate(fallbackRateTable(s.clock()), from, to); ok {
		s.recordFallback(ctx, "missing_pair")
		return roundAmount(amount, rate)
	}

	s.logger(ctx, "fx.convert.unsupported_pair", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return amount
}

func (s *currencyService) freshTable() (domain.RateTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isFresh(s.table) {
		return domain.RateTable{}, false
	}
	return cloneRateTable(s.table), true
}

func (s *currencyService) isFresh(table domain.RateTable) bool {
	if len(table.Rates) == 0 || table.FetchedAt.IsZero() {
		return false
	}
	return s.clock().Sub(table.FetchedAt) < s.ttl
}

func (s *currencyService) refresh(ctx context.Context) domain.RateTable {
	if table, ok := s.freshTable(); ok {
		return table
	}
	if table, ok := s.loadPersisted(ctx); ok {
		return table
	}

	ctx, span := s.tracer.Start(ctx, "fx.refresh")
	defer span.End()

	started := time.Now()
	quote, err := s.breaker.Execute(func() (RateQuote, error) {
		return s.fetchWithRetry(ctx)
	})
	s.recordLatency(ctx, time.Since(started), err)

	now := s.clock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate fetch failed")
		reason := "fetch_failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "breaker_open"
		}
		s.logger(ctx, "fx.refresh.failed", map[string]any{
			"error":  err.Error(),
			"reason": reason,
		})
		s.recordFallback(ctx, reason)
		return fallbackRateTable(now)
	}

	table := deriveRateTable(quote, now)
	span.SetAttributes(attribute.Int("fx.pairs", len(table.Rates)))

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Save(ctx, table); err != nil {
			s.logger(ctx, "fx.cache.save_failed", map[string]any{"error": err.Error()})
		}
	}
	return cloneRateTable(table)
}

// loadPersisted adopts the shared rate cache when it holds a fresh table, so a table saved by
// another instance saves this one a fetch. It runs on every refresh of a stale in-memory table.
func (s *currencyService) loadPersisted(ctx context.Context) (domain.RateTable, bool) {
	if s.cache == nil {
		return domain.RateTable{}, false
	}

	table, err := s.cache.Load(ctx)
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			s.logger(ctx, "fx.cache.load_failed", map[string]any{"error": err.Error()})
		}
		return domain.RateTable{}, false
	}
	if !s.isFresh(table) {
		return domain.RateTable{}, false
	}

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
	return cloneRateTable(table), true
}

func (s *currencyService) fetchWithRetry(ctx context.Context) (RateQuote, error) {
	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		quote, err := s.fetchOnce(ctx)
		if err == nil {
			return quote, nil
		}
		lastErr = err
		s.logger(ctx, "fx.fetch.attempt_failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt == s.attempts {
			break
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return RateQuote{}, fmt.Errorf("fx: retry interrupted: %w", err)
		}
	}
	return RateQuote{}, lastErr
}

func (s *currencyService) fetchOnce(ctx context.Context) (RateQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.source.FetchRates(ctx)
}

func (s *currencyService) recordFallback(ctx context.Context, reason string) {
	if !s.metricsActive {
		return
	}
	s.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *currencyService) recordLatency(ctx context.Context, d time.Duration, err error) {
	if !s.metricsActive {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.fetchLatency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// deriveRateTable expands a single-base quote into every supported pair.
// With q[c] units of c per base unit, one unit of x buys q[y]/q[x] units of y.
func deriveRateTable(quote RateQuote, fetchedAt time.Time) domain.RateTable {
	rates := make(map[string]float64)
	for _, from := range domain.SupportedCurrencies {
		fromPerBase, ok := quote.Rates[from]
		if !ok || fromPerBase <= 0 {
			continue
		}
		for _, to := range domain.SupportedCurrencies {
			if from == to {
				continue
			}
			toPerBase, ok := quote.Rates[to]
			if !ok || toPerBase <= 0 {
				continue
			}
			rates[domain.PairKey(from, to)] = toPerBase / fromPerBase
		}
	}
	return domain.RateTable{Rates: rates, FetchedAt: fetchedAt}
}

func fallbackRateTable(now time.Time) domain.RateTable {
	rates := make(map[string]float64)
	for from, fromTRY := range fallbackTRYPerUnit {
		for to, toTRY := range fallbackTRYPerUnit {
			if from != to {
				rates[domain.PairKey(from, to)] = fromTRY / toTRY
			}
		}
	}
	return domain.RateTable{Rates: rates, FetchedAt: now}
}

func lookupRate(table domain.RateTable, from, to domain.Currency) (float64, bool) {
	if rate, ok := table.Rates[domain.PairKey(from, to)]; ok && rate > 0 {
		return rate, true
	}
	if inverse, ok := table.Rates[domain.PairKey(to, from)]; ok && inverse > 0 {
		return 1 / inverse, true
	}
	return 0, false
}

// roundAmount multiplies and rounds half away from zero to two decimals.
func roundAmount(amount, rate float64) float64 {
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(rate)).Round(2).InexactFloat64()
}

func cloneRateTable(table domain.RateTable) domain.RateTable {
	return domain.RateTable{Rates: maps.Clone(table.Rates), FetchedAt: table.FetchedAt}
}
