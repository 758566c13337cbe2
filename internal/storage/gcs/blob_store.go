// Package gcs stores page snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and key layout for snapshots.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key, for example "snapshots".
	Prefix       string
	CacheControl string
}

type writerFunc func(ctx context.Context, bucket, object string, attrs storage.ObjectAttrs) io.WriteCloser

// BlobStore writes snapshot objects to a configured GCS bucket.
type BlobStore struct {
	bucket    string
	prefix    string
	cache     string
	newWriter writerFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newStore(cfg, func(ctx context.Context, bucket, object string, attrs storage.ObjectAttrs) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = attrs.ContentType
		w.CacheControl = attrs.CacheControl
		return w
	})
}

func newStore(cfg Config, fn writerFunc) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		cache:     cfg.CacheControl,
		newWriter: fn,
	}, nil
}

// PutObject uploads r under the prefixed key and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("path is required")
	}
	object := key
	if s.prefix != "" {
		object = path.Join(s.prefix, key)
	}
	writer := s.newWriter(ctx, s.bucket, object, storage.ObjectAttrs{ContentType: contentType, CacheControl: s.cache})
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
