package domain

import (
	"strings"
	"time"
)

// Currency is an ISO 4217 code from the fixed set of currencies the storefront prices in.
type Currency string

const (
	// CurrencyTRY is the settlement currency.
	CurrencyTRY Currency = "TRY"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

// SettlementCurrency is the currency cart and order totals are computed in.
const SettlementCurrency = CurrencyTRY

// SupportedCurrencies lists every currency a cart line may be priced in.
var SupportedCurrencies = []Currency{CurrencyTRY, CurrencyUSD, CurrencyEUR, CurrencyGBP}

// Valid reports whether the currency belongs to the supported set.
func (c Currency) Valid() bool {
	for _, candidate := range SupportedCurrencies {
		if c == candidate {
			return true
		}
	}
	return false
}

// NormalizeCurrency upper-cases and trims a raw currency code.
func NormalizeCurrency(raw string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(raw)))
}

// CartLine is one product line held in the cart.
type CartLine struct {
	ID        string
	Name      string
	UnitPrice float64
	Currency  Currency
	Quantity  int
	// MOQ is the minimum order quantity; zero means no minimum beyond one.
	MOQ       int
	InStock   bool
	Thumbnail string
}

// EffectiveMOQ returns max(1, MOQ).
func (l CartLine) EffectiveMOQ() int {
	if l.MOQ > 1 {
		return l.MOQ
	}
	return 1
}

// LineTotal is unit price times quantity in the line's own currency.
func (l CartLine) LineTotal() float64 {
	return l.UnitPrice * float64(l.Quantity)
}

// CartState is the full cart aggregate.
type CartState struct {
	Lines        []CartLine
	CouponCode   string
	Discount     float64
	DeliveryNote string
	UpdatedAt    time.Time
}

// Clone returns a deep copy so callers cannot mutate the aggregate through shared slices.
func (s CartState) Clone() CartState {
	dup := s
	if s.Lines != nil {
		dup.Lines = make([]CartLine, len(s.Lines))
		copy(dup.Lines, s.Lines)
	}
	return dup
}

// DeliveryAddress is a saved shipping address.
type DeliveryAddress struct {
	ID         string `json:"id" validate:"required"`
	Title      string `json:"title" validate:"required"`
	City       string `json:"city" validate:"required"`
	District   string `json:"district" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required,numeric,len=5"`
	Detail     string `json:"detail" validate:"required"`
	IsDefault  bool   `json:"isDefault"`
}

// Text renders the address as a single line for order snapshots.
func (a DeliveryAddress) Text() string {
	parts := make([]string, 0, 4)
	for _, part := range []string{a.Detail, a.District, a.City, a.PostalCode} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	text := strings.Join(parts, ", ")
	if title := strings.TrimSpace(a.Title); title != "" {
		return title + ": " + text
	}
	return text
}

// PaymentMethod enumerates the supported payment options.
type PaymentMethod string

const (
	PaymentMethodCreditCard     PaymentMethod = "credit-card"
	PaymentMethodCashOnDelivery PaymentMethod = "cash-on-delivery"
	PaymentMethodBankTransfer   PaymentMethod = "bank-transfer"
)

// Valid reports whether the method is one of the supported options.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCreditCard, PaymentMethodCashOnDelivery, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// Label is the human readable text stored on orders.
func (m PaymentMethod) Label() string {
	switch m {
	case PaymentMethodCreditCard:
		return "Credit Card"
	case PaymentMethodCashOnDelivery:
		return "Cash on Delivery"
	case PaymentMethodBankTransfer:
		return "Bank Transfer"
	}
	return string(m)
}

// CreditCardInfo carries card details collected when paying by credit card.
type CreditCardInfo struct {
	CardNumber  string `json:"cardNumber" validate:"required,credit_card"`
	ExpiryMonth int    `json:"expiryMonth" validate:"required,min=1,max=12"`
	ExpiryYear  int    `json:"expiryYear" validate:"required,min=2000,max=2100"`
	CVV         string `json:"cvv" validate:"required,numeric,min=3,max=4"`
	HolderName  string `json:"holderName" validate:"required"`
}

// Masked returns the card number with all but the last four digits hidden.
func (c CreditCardInfo) Masked() string {
	digits := strings.ReplaceAll(c.CardNumber, " ", "")
	if len(digits) <= 4 {
		return digits
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

// CheckoutStep enumerates the guarded checkout stages.
type CheckoutStep string

const (
	CheckoutStepAddress CheckoutStep = "address"
	CheckoutStepPayment CheckoutStep = "payment"
	CheckoutStepSummary CheckoutStep = "summary"
)

// Index returns the position of the step in the linear flow, or -1 when unknown.
func (s CheckoutStep) Index() int {
	switch s {
	case CheckoutStepAddress:
		return 0
	case CheckoutStepPayment:
		return 1
	case CheckoutStepSummary:
		return 2
	}
	return -1
}

// CheckoutState holds the selections collected during checkout.
type CheckoutState struct {
	Step           CheckoutStep
	Address        *DeliveryAddress
	PaymentMethod  *PaymentMethod
	CreditCardInfo *CreditCardInfo
	OrderNumber    *string
	Processing     bool
}

// OrderStatus enumerates lifecycle states for orders.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether no further status mutation is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderItem is the immutable snapshot of a cart line taken at placement time.
type OrderItem struct {
	ID        string
	Name      string
	Quantity  int
	UnitPrice float64
	Currency  Currency
	Thumbnail string
}

// Order is a placed order.
type Order struct {
	ID              string
	OrderNumber     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Total           float64
	Currency        Currency
	Status          OrderStatus
	Items           []OrderItem
	ShippingAddress string
	PaymentMethod   string
	CanCancel       bool
	CanReturn       bool
	DeliveryNote    string
	CouponCode      string
	Discount        float64
}

// ReturnRequest records a customer's request to return a delivered order.
type ReturnRequest struct {
	ID          string
	OrderID     string
	OrderNumber string
	Reason      string
	Description string
	CreatedAt   time.Time
}

// RateTable maps currency pair keys ("USD_TRY") to multiplicative rates.
type RateTable struct {
	Rates     map[string]float64
	FetchedAt time.Time
}

// PairKey builds the rate table key for converting from into to.
func PairKey(from, to Currency) string {
	return string(from) + "_" + string(to)
}
