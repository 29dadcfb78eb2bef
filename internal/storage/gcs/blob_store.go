// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to rehost into GCS.
type Config struct {
	Bucket string
	// PublicDomain is the externally reachable root under which uploaded
	// objects are served, e.g. "https://cdn.example.com".
	PublicDomain string
}

// BlobStore writes rehosted assets to a configured GCS bucket.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	publicDomain string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	publicDomain := strings.TrimSuffix(cfg.PublicDomain, "/")
	if publicDomain == "" {
		publicDomain = fmt.Sprintf("https://storage.googleapis.com/%s", cfg.Bucket)
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		publicDomain: publicDomain,
	}, nil
}

// PublicDomain returns the root under which uploaded objects are served.
func (s *BlobStore) PublicDomain() string {
	return s.publicDomain
}

// Upload streams data into the bucket and returns the public URL.
func (s *BlobStore) Upload(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.publicDomain + "/" + key, nil
}
