// Package kv implements repositories on top of the generic key-value store, with
// versioned JSON envelopes migrated on read.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/kvstore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	cartKeyPrefix = "cart:"
	// CartSchemaVersion is the version written by Save.
	CartSchemaVersion = 2
)

// ErrUnsupportedSchema is returned when a stored envelope is newer than this build understands.
var ErrUnsupportedSchema = errors.New("kv: unsupported schema version")

type cartLineRecord struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  *string `json:"currency,omitempty"`
	Quantity  int     `json:"quantity"`
	MOQ       *int    `json:"moq,omitempty"`
	InStock   *bool   `json:"inStock,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

type promotionRecord struct {
	CouponCode string  `json:"couponCode"`
	Discount   float64 `json:"discount"`
}

type cartRecord struct {
	SchemaVersion int              `json:"schemaVersion"`
	Lines         []cartLineRecord `json:"lines"`
	// v1 only; moved into Promotion by the v2 migration.
	CouponCode   string           `json:"couponCode,omitempty"`
	Discount     float64          `json:"discount,omitempty"`
	Promotion    *promotionRecord `json:"promotion,omitempty"`
	DeliveryNote string           `json:"deliveryNote,omitempty"`
	UpdatedAt    *time.Time       `json:"updatedAt,omitempty"`
}

// cartMigrations[v] upgrades a record from version v to v+1.
var cartMigrations = []func(*cartRecord){
	migrateCartV0toV1,
	migrateCartV1toV2,
}

// migrateCartV0toV1 backfills line fields that early clients did not write.
func migrateCartV0toV1(record *cartRecord) {
	for i := range record.Lines {
		line := &record.Lines[i]
		if line.Currency == nil || strings.TrimSpace(*line.Currency) == "" {
			currency := string(domain.CurrencyTRY)
			line.Currency = &currency
		}
		if line.MOQ == nil {
			moq := 1
			line.MOQ = &moq
		}
		if line.InStock == nil {
			inStock := true
			line.InStock = &inStock
		}
	}
}

func migrateCartV1toV2(record *cartRecord) {
	if record.CouponCode != "" || record.Discount != 0 {
		record.Promotion = &promotionRecord{CouponCode: record.CouponCode, Discount: record.Discount}
	}
	record.CouponCode = ""
	record.Discount = 0
}

// CartRepository stores one cart blob per device under "cart:<deviceID>".
type CartRepository struct {
	store kvstore.Store
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository binds the repository to a key-value store.
func NewCartRepository(store kvstore.Store) (*CartRepository, error) {
	if store == nil {
		return nil, errors.New("kv cart repository: store is required")
	}
	return &CartRepository{store: store}, nil
}

func (r *CartRepository) Load(ctx context.Context, deviceID string) (domain.CartState, error) {
	key, err := cartKey(deviceID)
	if err != nil {
		return domain.CartState{}, err
	}
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return domain.CartState{}, translateStoreError("carts.load", err)
	}
	return DecodeCart(raw)
}

func (r *CartRepository) Save(ctx context.Context, deviceID string, state domain.CartState) error {
	key, err := cartKey(deviceID)
	if err != nil {
		return err
	}
	raw, err := EncodeCart(state)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, key, raw); err != nil {
		return translateStoreError("carts.save", err)
	}
	return nil
}

func (r *CartRepository) Delete(ctx context.Context, deviceID string) error {
	key, err := cartKey(deviceID)
	if err != nil {
		return err
	}
	if err := r.store.Remove(ctx, key); err != nil {
		return translateStoreError("carts.delete", err)
	}
	return nil
}

// EncodeCart renders the cart in the current schema version.
func EncodeCart(state domain.CartState) ([]byte, error) {
	record := cartRecord{
		SchemaVersion: CartSchemaVersion,
		Lines:         make([]cartLineRecord, 0, len(state.Lines)),
		DeliveryNote:  state.DeliveryNote,
	}
	for _, line := range state.Lines {
		currency := string(line.Currency)
		moq := line.MOQ
		inStock := line.InStock
		record.Lines = append(record.Lines, cartLineRecord{
			ID:        line.ID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Currency:  &currency,
			Quantity:  line.Quantity,
			MOQ:       &moq,
			InStock:   &inStock,
			Thumbnail: line.Thumbnail,
		})
	}
	if state.CouponCode != "" || state.Discount != 0 {
		record.Promotion = &promotionRecord{CouponCode: state.CouponCode, Discount: state.Discount}
	}
	if !state.UpdatedAt.IsZero() {
		updated := state.UpdatedAt.UTC()
		record.UpdatedAt = &updated
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("kv: encode cart: %w", err)
	}
	return raw, nil
}

// DecodeCart parses a stored cart of any known schema version.
func DecodeCart(raw []byte) (domain.CartState, error) {
	var record cartRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.CartState{}, fmt.Errorf("kv: decode cart: %w", err)
	}
	if record.SchemaVersion > CartSchemaVersion || record.SchemaVersion < 0 {
		return domain.CartState{}, fmt.Errorf("%w: cart v%d", ErrUnsupportedSchema, record.SchemaVersion)
	}
	for v := record.SchemaVersion; v < CartSchemaVersion; v++ {
		cartMigrations[v](&record)
	}
	record.SchemaVersion = CartSchemaVersion
	// tolerate current-version records with omitted line fields
	migrateCartV0toV1(&record)

	state := domain.CartState{
		Lines:        make([]domain.CartLine, 0, len(record.Lines)),
		DeliveryNote: record.DeliveryNote,
	}
	for _, line := range record.Lines {
		state.Lines = append(state.Lines, domain.CartLine{
			ID:        line.ID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Currency:  domain.NormalizeCurrency(*line.Currency),
			Quantity:  line.Quantity,
			MOQ:       *line.MOQ,
			InStock:   *line.InStock,
			Thumbnail: line.Thumbnail,
		})
	}
	if record.Promotion != nil {
		state.CouponCode = record.Promotion.CouponCode
		state.Discount = record.Promotion.Discount
	}
	if record.UpdatedAt != nil {
		state.UpdatedAt = record.UpdatedAt.UTC()
	}
	return state, nil
}

func cartKey(deviceID string) (string, error) {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return "", errors.New("kv cart repository: device id is required")
	}
	return cartKeyPrefix + id, nil
}

func translateStoreError(op string, err error) error {
	if errors.Is(err, kvstore.ErrNotFound) {
		return repositories.NewNotFoundError(op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return repositories.NewUnavailableError(op, err)
}
