package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultFreeShippingOverTRY = 150
	defaultFlatShippingFeeTRY  = 29.9
)

// TotalsCalculatorDeps configures shipping thresholds and the converter used for line totals.
type TotalsCalculatorDeps struct {
	Currency            CurrencyService
	FreeShippingOverTRY float64
	FlatShippingFeeTRY  float64
}

type totalsCalculator struct {
	currency         CurrencyService
	freeShippingOver decimal.Decimal
	flatShippingFee  decimal.Decimal
}

// NewTotalsCalculator builds a calculator converting every line into TRY.
func NewTotalsCalculator(deps TotalsCalculatorDeps) (TotalsCalculator, error) {
	if deps.Currency == nil {
		return nil, errors.New("totals calculator: currency service is required")
	}
	threshold := deps.FreeShippingOverTRY
	if threshold <= 0 {
		threshold = defaultFreeShippingOverTRY
	}
	fee := deps.FlatShippingFeeTRY
	if fee <= 0 {
		fee = defaultFlatShippingFeeTRY
	}
	return &totalsCalculator{
		currency:         deps.Currency,
		freeShippingOver: decimal.NewFromFloat(threshold),
		flatShippingFee:  decimal.NewFromFloat(fee),
	}, nil
}

// CalculateTotalsTRY never fails; conversion problems degrade inside the currency service.
// A non-nil shippingOverride replaces the computed shipping fee of a non-empty cart; an empty
// cart always totals zero.
func (c *totalsCalculator) CalculateTotalsTRY(ctx context.Context, lines []domain.CartLine, shippingOverride *float64) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		converted := c.currency.Convert(ctx, line.LineTotal(), line.Currency, domain.SettlementCurrency)
		subtotal = subtotal.Add(decimal.NewFromFloat(converted))
	}
	subtotal = subtotal.Round(2)

	var shipping decimal.Decimal
	switch {
	case len(lines) == 0:
		shipping = decimal.Zero
	case shippingOverride != nil:
		shipping = decimal.NewFromFloat(*shippingOverride)
	case subtotal.GreaterThan(c.freeShippingOver):
		shipping = decimal.Zero
	default:
		shipping = c.flatShippingFee
	}

	return Totals{
		Subtotal: subtotal.InexactFloat64(),
		Shipping: shipping.InexactFloat64(),
		Total:    subtotal.Add(shipping).Round(2).InexactFloat64(),
		Currency: domain.SettlementCurrency,
	}
}

// FormatAmount renders an amount with two fraction digits using the grouping rules of lang,
// followed by the ISO code ("16,500.00 TRY" for en, "16.500,00 TRY" for tr).
func FormatAmount(amount float64, code domain.Currency, lang string) string {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		tag = language.Turkish
	}
	unit, err := currency.ParseISO(string(code))
	if err != nil {
		unit = currency.TRY
	}
	printer := message.NewPrinter(tag)
	return printer.Sprint(number.Decimal(amount, number.Scale(2))) + " " + unit.String()
}

// TotalsTracker keeps the latest totals for a cart and drops results computed for
// revisions that were superseded while the computation ran.
type TotalsTracker struct {
	calculator TotalsCalculator

	mu       sync.Mutex
	revision uint64
	latest   Totals
	valid    bool
}

// NewTotalsTracker wraps calculator with revision tracking.
func NewTotalsTracker(calculator TotalsCalculator) *TotalsTracker {
	return &TotalsTracker{calculator: calculator}
}

// Invalidate marks revision as current. Computations for older revisions are discarded.
func (t *TotalsTracker) Invalidate(revision uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if revision > t.revision {
		t.revision = revision
		t.valid = false
	}
}

// Recalculate computes totals for lines captured at revision. The boolean is false when a
// newer revision was registered before the computation completed.
func (t *TotalsTracker) Recalculate(ctx context.Context, revision uint64, lines []domain.CartLine, shippingOverride *float64) (Totals, bool) {
	t.Invalidate(revision)
	totals := t.calculator.CalculateTotalsTRY(ctx, lines, shippingOverride)

	t.mu.Lock()
	defer t.mu.Unlock()
	if revision != t.revision {
		return totals, false
	}
	t.latest = totals
	t.valid = true
	return totals, true
}

// Latest returns the last accepted totals and whether they match the current revision.
func (t *TotalsTracker) Latest() (Totals, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.valid
}
