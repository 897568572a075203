// Package gcs writes resolution receipts to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the target bucket.
type Config struct {
	Bucket string
	// CacheControl is set on every object when not empty.
	CacheControl string
}

type writerFactory func(ctx context.Context, bucket, object string) objectWriter

type objectWriter interface {
	io.WriteCloser
	SetAttrs(contentType, cacheControl string)
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	cfg       Config
	newWriter writerFactory
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return newBlobStore(cfg, func(ctx context.Context, bucket, object string) objectWriter {
		return &gcsWriter{Writer: client.Bucket(bucket).Object(object).NewWriter(ctx)}
	})
}

func newBlobStore(cfg Config, newWriter writerFactory) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{cfg: cfg, newWriter: newWriter}, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	w := s.newWriter(ctx, s.cfg.Bucket, path)
	w.SetAttrs(contentType, s.cfg.CacheControl)
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}

type gcsWriter struct {
	*storage.Writer
}

func (w *gcsWriter) SetAttrs(contentType, cacheControl string) {
	if contentType != "" {
		w.ContentType = contentType
	}
	if cacheControl != "" {
		w.CacheControl = cacheControl
	}
}
