package kv

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/kvstore"
	"github.com/hanko-field/storefront/internal/repositories"
)

func TestCartRepositorySaveLoad(t *testing.T) {
	store := kvstore.NewMemoryStore()
	repo, err := NewCartRepository(store)
	if err != nil {
		t.Fatalf("NewCartRepository: %v", err)
	}
	ctx := context.Background()
	updated := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	state := domain.CartState{
		Lines: []domain.CartLine{
			{ID: "p1", Name: "Mug", UnitPrice: 100, Currency: domain.CurrencyUSD, Quantity: 5, MOQ: 5, InStock: true},
			{ID: "p2", Name: "Pen", UnitPrice: 12.5, Currency: domain.CurrencyTRY, Quantity: 1, InStock: true, Thumbnail: "pen.png"},
		},
		CouponCode:   "INDIRIM10",
		Discount:     100,
		DeliveryNote: "ring twice",
		UpdatedAt:    updated,
	}

	if err := repo.Save(ctx, "device-1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := store.Get(ctx, "cart:device-1")
	if err != nil {
		t.Fatalf("expected blob under cart key: %v", err)
	}
	if !containsAll(string(raw), `"schemaVersion":2`, `"promotion":{"couponCode":"INDIRIM10","discount":100}`) {
		t.Fatalf("unexpected blob %s", raw)
	}

	loaded, err := repo.Load(ctx, "device-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Lines) != 2 || loaded.Lines[0].MOQ != 5 || loaded.Lines[1].Thumbnail != "pen.png" {
		t.Fatalf("unexpected lines %+v", loaded.Lines)
	}
	if loaded.CouponCode != "INDIRIM10" || loaded.Discount != 100 || loaded.DeliveryNote != "ring twice" {
		t.Fatalf("unexpected cart %+v", loaded)
	}
	if !loaded.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected updatedAt %s", loaded.UpdatedAt)
	}
}

func TestCartRepositoryLoadMissing(t *testing.T) {
	repo, _ := NewCartRepository(kvstore.NewMemoryStore())
	_, err := repo.Load(context.Background(), "nobody")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDecodeCartMigratesV0(t *testing.T) {
	legacy := `{"lines":[{"id":"p1","name":"Mug","unitPrice":10,"quantity":2}],"couponCode":"INDIRIM10","discount":2}`
	state, err := DecodeCart([]byte(legacy))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	line := state.Lines[0]
	if line.Currency != domain.CurrencyTRY || line.MOQ != 1 || !line.InStock {
		t.Fatalf("expected backfilled line, got %+v", line)
	}
	if state.CouponCode != "INDIRIM10" || state.Discount != 2 {
		t.Fatalf("expected promotion migrated, got %+v", state)
	}
}

func TestDecodeCartMigratesV1(t *testing.T) {
	v1 := `{"schemaVersion":1,"lines":[{"id":"p1","unitPrice":10,"currency":"eur","quantity":3,"moq":3,"inStock":false}],"couponCode":"X","discount":5}`
	state, err := DecodeCart([]byte(v1))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Lines[0].Currency != domain.CurrencyEUR || state.Lines[0].InStock {
		t.Fatalf("unexpected line %+v", state.Lines[0])
	}
	if state.CouponCode != "X" || state.Discount != 5 {
		t.Fatalf("expected promotion from v1 fields, got %+v", state)
	}
}

func TestDecodeCartRejectsFutureAndMalformed(t *testing.T) {
	if _, err := DecodeCart([]byte(`{"schemaVersion":9,"lines":[]}`)); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("expected ErrUnsupportedSchema, got %v", err)
	}
	if _, err := DecodeCart([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed blob")
	}
}

func TestCartRepositoryDelete(t *testing.T) {
	store := kvstore.NewMemoryStore()
	repo, _ := NewCartRepository(store)
	ctx := context.Background()
	if err := repo.Save(ctx, "d", domain.CartState{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Delete(ctx, "d"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "cart:d"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected blob removed, got %v", err)
	}
	if err := repo.Save(ctx, " ", domain.CartState{}); err == nil {
		t.Fatal("expected error for blank device id")
	}
}

func containsAll(s string, parts ...string) bool {
	for _, part := range parts {
		if !strings.Contains(s, part) {
			return false
		}
	}
	return true
}
