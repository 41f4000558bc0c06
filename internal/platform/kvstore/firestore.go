package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
)

type kvDocument struct {
	Value     []byte    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FirestoreStore keeps each key as one document in a collection.
type FirestoreStore struct {
	docs *pfirestore.BaseRepository[kvDocument]
	now  func() time.Time
}

// NewFirestoreStore binds the store to the given collection.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("kvstore: firestore provider is required")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("kvstore: firestore collection is required")
	}
	return &FirestoreStore{
		docs: pfirestore.NewBaseRepository[kvDocument](provider, collection, nil, nil),
		now:  time.Now,
	}, nil
}

func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, error) {
	id, err := documentID(key)
	if err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc.Data.Value, nil
}

func (s *FirestoreStore) Set(ctx context.Context, key string, value []byte) error {
	id, err := documentID(key)
	if err != nil {
		return err
	}
	_, err = s.docs.Set(ctx, id, kvDocument{Value: value, UpdatedAt: s.now().UTC()})
	return err
}

func (s *FirestoreStore) Remove(ctx context.Context, key string) error {
	id, err := documentID(key)
	if err != nil {
		return err
	}
	return s.docs.Delete(ctx, id)
}

// documentID maps a key onto a Firestore document id, which may not contain slashes.
func documentID(key string) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(key, "/", "_"), nil
}
