package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	domain "github.com/hanko-field/storefront/internal/domain"
)

const maxRatePayloadBytes = 1 << 20

// ErrRateSourceMalformed indicates the rate endpoint answered with an unusable payload.
var ErrRateSourceMalformed = errors.New("fx: malformed rate payload")

// RateQuote is the raw answer of a rate source: how many units of each currency one unit of Base buys.
type RateQuote struct {
	Base  domain.Currency
	Rates map[domain.Currency]float64
}

// RateSource fetches the latest exchange rates.
type RateSource interface {
	FetchRates(ctx context.Context) (RateQuote, error)
}

// HTTPRateSource queries a JSON rate endpoint.
type HTTPRateSource struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPRateSource builds a source for endpoint. A nil client gets an instrumented default.
func NewHTTPRateSource(endpoint, apiKey string, client *http.Client) (*HTTPRateSource, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("fx: rate endpoint is required")
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPRateSource{endpoint: endpoint, apiKey: strings.TrimSpace(apiKey), client: client}, nil
}

type ratePayload struct {
	Result   string             `json:"result"`
	Base     string             `json:"base"`
	BaseCode string             `json:"base_code"`
	Rates    map[string]float64 `json:"rates"`
}

// FetchRates performs one GET. Timeouts and retries are applied by the caller.
func (s *HTTPRateSource) FetchRates(ctx context.Context) (RateQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return RateQuote{}, fmt.Errorf("fx: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return RateQuote{}, fmt.Errorf("fx: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRatePayloadBytes))
		return RateQuote{}, fmt.Errorf("fx: unexpected status %d", resp.StatusCode)
	}

	var payload ratePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRatePayloadBytes)).Decode(&payload); err != nil {
		return RateQuote{}, fmt.Errorf("%w: %v", ErrRateSourceMalformed, err)
	}
	return parseRatePayload(payload)
}

func parseRatePayload(payload ratePayload) (RateQuote, error) {
	if payload.Result != "" && !strings.EqualFold(payload.Result, "success") {
		return RateQuote{}, fmt.Errorf("%w: result %q", ErrRateSourceMalformed, payload.Result)
	}
	baseRaw := payload.Base
	if baseRaw == "" {
		baseRaw = payload.BaseCode
	}
	base := domain.NormalizeCurrency(baseRaw)
	if !base.Valid() {
		return RateQuote{}, fmt.Errorf("%w: unsupported base %q", ErrRateSourceMalformed, baseRaw)
	}

	quote := RateQuote{Base: base, Rates: map[domain.Currency]float64{base: 1}}
	for code, rate := range payload.Rates {
		currency := domain.NormalizeCurrency(code)
		if !currency.Valid() || currency == base {
			continue
		}
		if rate <= 0 {
			return RateQuote{}, fmt.Errorf("%w: non-positive rate for %s", ErrRateSourceMalformed, code)
		}
		quote.Rates[currency] = rate
	}
	if len(quote.Rates) < 2 {
		return RateQuote{}, fmt.Errorf("%w: no supported currencies", ErrRateSourceMalformed)
	}
	return quote, nil
}
