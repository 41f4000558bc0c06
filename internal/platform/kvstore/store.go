// Package kvstore provides the generic get/set/remove persistence contract used for
// cart blobs and cache artifacts, with memory, Redis, Firestore and Cloud Storage backends.
package kvstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrInvalidKey is returned when the key is blank.
var ErrInvalidKey = errors.New("kvstore: key is required")

// Store persists opaque values under string keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	return trimmed, nil
}

// Tiered reads from the primary store and falls back to the secondary on a miss.
// Writes and removals go to both; a secondary failure is reported after the primary succeeds.
type Tiered struct {
	Primary   Store
	Secondary Store
}

// Get implements Store.
func (t Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := t.Primary.Get(ctx, key)
	if err == nil || t.Secondary == nil {
		return value, err
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	value, err = t.Secondary.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	// warm the primary; the value is still returned if this fails
	_ = t.Primary.Set(ctx, key, value)
	return value, nil
}

// Set implements Store.
func (t Tiered) Set(ctx context.Context, key string, value []byte) error {
	if err := t.Primary.Set(ctx, key, value); err != nil {
		return err
	}
	if t.Secondary == nil {
		return nil
	}
	return t.Secondary.Set(ctx, key, value)
}

// Remove implements Store.
func (t Tiered) Remove(ctx context.Context, key string) error {
	if err := t.Primary.Remove(ctx, key); err != nil {
		return err
	}
	if t.Secondary == nil {
		return nil
	}
	return t.Secondary.Remove(ctx, key)
}
