package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, "test:")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	return store, mr
}

func TestRedisStore_ReserveCompleteReplay(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	res, err := store.Reserve(ctx, "dev-1|k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v %v", res.State, err)
	}

	res, err = store.Reserve(ctx, "dev-1|k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v %v", res.State, err)
	}

	resp := Response{
		Status:  http.StatusCreated,
		Headers: http.Header{"Content-Type": {"application/json"}, "Content-Length": {"12"}},
		Body:    []byte(`{"ok":true}`),
	}
	if err := store.Complete(ctx, "dev-1|k", "fp", resp, fixedTime, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, err = store.Reserve(ctx, "dev-1|k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %v %v", res.State, err)
	}
	if res.Record.ResponseStatus != http.StatusCreated || string(res.Record.ResponseBody) != `{"ok":true}` {
		t.Fatalf("unexpected stored record %+v", res.Record)
	}
	if _, ok := res.Record.ResponseHeaders["Content-Length"]; ok {
		t.Fatal("expected hop headers to be dropped")
	}

	if _, err := store.Reserve(ctx, "dev-1|k", "other", fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestRedisStore_ReleaseAndExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after release, got %v %v", res.State, err)
	}

	mr.FastForward(2 * time.Minute)
	res, err = store.Reserve(ctx, "k", "different", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after ttl, got %v %v", res.State, err)
	}
}

func TestRedisStore_UnavailableBackend(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	if _, err := store.Reserve(context.Background(), "k", "fp", fixedTime, time.Minute); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	if _, err := NewRedisStore(nil, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
}
