package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// FXHandlers expose the exchange rate table used for cart totals.
type FXHandlers struct {
	currency services.CurrencyService
}

func NewFXHandlers(currency services.CurrencyService) *FXHandlers {
	return &FXHandlers{currency: currency}
}

// Routes wires the /fx endpoints onto the provided router.
func (h *FXHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/rates", h.getRates)
	r.Get("/convert", h.convert)
}

type ratesPayload struct {
	Rates     map[string]float64 `json:"rates"`
	Pairs     []string           `json:"pairs"`
	FetchedAt string             `json:"fetchedAt,omitempty"`
}

type conversionPayload struct {
	Amount    float64 `json:"amount"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Result    float64 `json:"result"`
	Formatted string  `json:"formatted"`
}

func (h *FXHandlers) getRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.currency == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fx_unavailable", "currency service is unavailable", http.StatusServiceUnavailable))
		return
	}
	table := h.currency.GetRates(ctx)
	payload := ratesPayload{
		Rates:     table.Rates,
		Pairs:     make([]string, 0, len(table.Rates)),
		FetchedAt: formatTime(table.FetchedAt),
	}
	for pair := range table.Rates {
		payload.Pairs = append(payload.Pairs, pair)
	}
	sort.Strings(payload.Pairs)
	writeJSONResponse(w, http.StatusOK, payload)
}

// convert answers GET /fx/convert?amount=10&from=USD&to=TRY.
func (h *FXHandlers) convert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.currency == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fx_unavailable", "currency service is unavailable", http.StatusServiceUnavailable))
		return
	}
	query := r.URL.Query()
	amount, err := strconv.ParseFloat(strings.TrimSpace(query.Get("amount")), 64)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be a number", http.StatusBadRequest))
		return
	}
	from := domain.NormalizeCurrency(query.Get("from"))
	to := domain.NormalizeCurrency(query.Get("to"))
	if to == "" {
		to = domain.SettlementCurrency
	}
	if !from.Valid() || !to.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from and to must be supported currency codes", http.StatusBadRequest))
		return
	}

	result := h.currency.Convert(ctx, amount, from, to)
	writeJSONResponse(w, http.StatusOK, conversionPayload{
		Amount:    amount,
		From:      string(from),
		To:        string(to),
		Result:    result,
		Formatted: services.FormatAmount(result, to, preferredLanguage(r)),
	})
}
