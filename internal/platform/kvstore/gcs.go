package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore keeps each key as an object in a Cloud Storage bucket. Suited for cache
// artifacts that should survive instance restarts.
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore binds the store to bucket, placing objects under prefix.
func NewGCSStore(client *storage.Client, bucket, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("kvstore: storage client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("kvstore: bucket name is required")
	}
	return &GCSStore{
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: gcs read %s: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("kvstore: gcs read %s: %w", name, err)
	}
	return data, nil
}

func (s *GCSStore) Set(ctx context.Context, key string, value []byte) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	writer := s.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(value); err != nil {
		_ = writer.Close()
		return fmt.Errorf("kvstore: gcs write %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("kvstore: gcs write %s: %w", name, err)
	}
	return nil
}

func (s *GCSStore) Remove(ctx context.Context, key string) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	err = s.bucket.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("kvstore: gcs delete %s: %w", name, err)
	}
	return nil
}

func (s *GCSStore) objectName(key string) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	name := strings.ReplaceAll(key, ":", "/") + ".json"
	if s.prefix == "" {
		return name, nil
	}
	return path.Join(s.prefix, name), nil
}
