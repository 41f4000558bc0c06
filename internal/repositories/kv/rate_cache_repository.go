package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/kvstore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	rateCacheKey = "fx:rates"
	// RateCacheSchemaVersion is the version written by Save.
	RateCacheSchemaVersion = 1
)

type rateRecord struct {
	SchemaVersion int                `json:"schemaVersion"`
	Rates         map[string]float64 `json:"rates"`
	FetchedAt     *time.Time         `json:"fetchedAt,omitempty"`
	// v0 stored the fetch time as unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RateCacheRepository stores the exchange rate table under "fx:rates".
type RateCacheRepository struct {
	store kvstore.Store
}

var _ repositories.RateCacheRepository = (*RateCacheRepository)(nil)

func NewRateCacheRepository(store kvstore.Store) (*RateCacheRepository, error) {
	if store == nil {
		return nil, errors.New("kv rate cache repository: store is required")
	}
	return &RateCacheRepository{store: store}, nil
}

func (r *RateCacheRepository) Load(ctx context.Context) (domain.RateTable, error) {
	raw, err := r.store.Get(ctx, rateCacheKey)
	if err != nil {
		return domain.RateTable{}, translateStoreError("rates.load", err)
	}
	var record rateRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.RateTable{}, fmt.Errorf("kv: decode rates: %w", err)
	}
	switch record.SchemaVersion {
	case 0:
		if record.Timestamp > 0 {
			fetched := time.UnixMilli(record.Timestamp).UTC()
			record.FetchedAt = &fetched
		}
	case RateCacheSchemaVersion:
	default:
		return domain.RateTable{}, fmt.Errorf("%w: rates v%d", ErrUnsupportedSchema, record.SchemaVersion)
	}
	if len(record.Rates) == 0 || record.FetchedAt == nil {
		return domain.RateTable{}, fmt.Errorf("kv: decode rates: incomplete record")
	}
	return domain.RateTable{Rates: maps.Clone(record.Rates), FetchedAt: record.FetchedAt.UTC()}, nil
}

func (r *RateCacheRepository) Save(ctx context.Context, table domain.RateTable) error {
	fetched := table.FetchedAt.UTC()
	raw, err := json.Marshal(rateRecord{
		SchemaVersion: RateCacheSchemaVersion,
		Rates:         table.Rates,
		FetchedAt:     &fetched,
	})
	if err != nil {
		return fmt.Errorf("kv: encode rates: %w", err)
	}
	if err := r.store.Set(ctx, rateCacheKey, raw); err != nil {
		return translateStoreError("rates.save", err)
	}
	return nil
}
