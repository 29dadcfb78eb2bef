package catalog

import (
	"context"
	"io"
	"time"
)

// Repository persists catalog items, keyed by slug.
type Repository interface {
	// ListKnownSlugs returns the slugs of every crawled item currently in
	// the catalog.
	ListKnownSlugs(ctx context.Context) ([]string, error)
	FindBySlug(ctx context.Context, slug string) (*CatalogItem, error)
	Create(ctx context.Context, item CatalogItem) error
	// Update replaces the stored fields of the item identified by slug.
	// Fields absent from the item are preserved.
	Update(ctx context.Context, slug string, item CatalogItem) error
}

// BlobStore uploads a byte stream under a key and returns a public URL.
// Upload failures are a normal, handled outcome for callers.
type BlobStore interface {
	Upload(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// Notifier is a fire-and-forget channel for operator alerts. Callers log
// and swallow its errors; a failed notification never escalates.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// Gateway renders source-site pages through a real browser. A nil page with
// a nil error means "no usable content" (blocked, absent, or out of range).
type Gateway interface {
	FetchListingPage(ctx context.Context, page int) (*RenderedPage, error)
	FetchDetailPage(ctx context.Context, slug string) (*RenderedPage, error)
	DownloadViaSession(ctx context.Context, url string) (*SessionDownload, error)
	Close() error
}

// Rehoster copies remote assets into durable storage. The returned slice has
// the same order and cardinality as links; a slot whose transfer failed holds
// the original remote URL.
type Rehoster interface {
	Rehost(ctx context.Context, slug string, links []AssetLink) []string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for blob keys.
type IDGenerator interface {
	NewID() (string, error)
}
