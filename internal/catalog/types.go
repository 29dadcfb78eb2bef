// Package catalog defines core types shared across subsystems.
package catalog

import (
	"time"
)

// Category classifies a content pack.
type Category string

// Category values persisted with each catalog item.
const (
	CategorySkinPack    Category = "skin-pack"
	CategoryAddon       Category = "addon"
	CategoryWorld       Category = "world"
	CategoryTexturePack Category = "texture-pack"
)

// CrawlStatus represents the lifecycle state of the crawl state machine.
type CrawlStatus string

// Crawl status values reported by the state machine.
const (
	CrawlStopped CrawlStatus = "STOPPED"
	CrawlStarted CrawlStatus = "STARTED"
)

// ListingSummary is one card of a paginated listing page. Summaries are
// transient: they exist only to drive the per-item detail fetches.
type ListingSummary struct {
	Slug          string
	Title         string
	ThumbnailURL  string
	Author        string
	PublishedAt   *time.Time
	RatingDisplay string
}

// AssetLink pairs a downloadable asset URL with its display name.
type AssetLink struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
}

// DetailRecord is the full parse of one item's detail page.
type DetailRecord struct {
	Slug                 string
	Title                string
	Category             Category
	ThumbnailURL         string
	DescriptionHTML      string
	DescriptionPlainText string
	DescriptionImages    []string
	AssetLinks           []AssetLink
	MCVersions           []string
	CommentCount         int
	RatingAverage        float64
	SourceUpdatedAt      time.Time
}

// CatalogItem is the persisted form of a catalog entry, keyed by slug.
type CatalogItem struct {
	Slug              string
	Title             string
	Category          Category
	ThumbnailURL      string
	DescriptionHTML   string
	Description       string
	DescriptionImages []string
	AssetLinks        []string
	MCVersions        []string
	CommentCount      int
	RatingAverage     float64
	SourceUpdatedAt   time.Time
	Parsed            bool
}

// RenderedPage is what the browser gateway hands back after navigation:
// the DOM snapshot plus the serialized client-side state, when present.
type RenderedPage struct {
	URL   string
	Title string
	HTML  string
	// State is the embedded client-state object serialized to JSON.
	// Empty when the page carries no such payload.
	State []byte
}

// SessionDownload is the handle returned for a browser-session download.
// The caller owns LocalPath and must remove it when done.
type SessionDownload struct {
	LocalPath         string
	SuggestedFilename string
}

// MissingItem identifies a catalog item whose source page has vanished.
type MissingItem struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}
