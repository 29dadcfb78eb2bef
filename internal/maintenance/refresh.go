// Package maintenance re-validates catalog items against the source site.
package maintenance

import (
	"context"

	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
	"github.com/packvault/catalog-crawler/internal/crawl"
)

// Refresher re-rehosts the assets of already-catalogued items and reports
// items whose source page has vanished.
type Refresher struct {
	gateway   catalog.Gateway
	extractor crawl.Extractor
	rehoster  catalog.Rehoster
	repo      catalog.Repository
	notifier  catalog.Notifier
	clock     catalog.Clock
	logger    *zap.Logger
}

// New creates a Refresher. The notifier may be nil; missing-item reports
// are then only logged.
func New(
	gateway catalog.Gateway,
	extractor crawl.Extractor,
	rehoster catalog.Rehoster,
	repo catalog.Repository,
	notifier catalog.Notifier,
	clock catalog.Clock,
	logger *zap.Logger,
) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		gateway:   gateway,
		extractor: extractor,
		rehoster:  rehoster,
		repo:      repo,
		notifier:  notifier,
		clock:     clock,
		logger:    logger,
	}
}

// RefreshHostedAssets walks every crawled item, re-resolves its asset
// links, and updates the stored set. Per-item failures are soft skips;
// only a repository listing failure aborts the pass.
func (r *Refresher) RefreshHostedAssets(ctx context.Context) error {
	slugs, err := r.repo.ListKnownSlugs(ctx)
	if err != nil {
		return err
	}

	var missing []catalog.MissingItem
	for _, slug := range slugs {
		item, err := r.repo.FindBySlug(ctx, slug)
		if err != nil {
			r.logger.Warn("load item failed, skipping", zap.String("slug", slug), zap.Error(err))
			continue
		}
		if item == nil {
			continue
		}

		links, gone := r.resolveLinks(ctx, *item)
		if gone {
			missing = append(missing, catalog.MissingItem{Slug: item.Slug, Title: item.Title})
			continue
		}
		if len(links) == 0 {
			continue
		}

		item.AssetLinks = r.rehoster.Rehost(ctx, slug, links)
		if err := r.repo.Update(ctx, slug, *item); err != nil {
			r.logger.Warn("update failed, skipping", zap.String("slug", slug), zap.Error(err))
			continue
		}
		r.logger.Info("hosted assets refreshed", zap.String("slug", slug))
	}

	r.reportMissing(ctx, missing)
	return nil
}

// resolveLinks prefers a fresh parse of the detail page; when the page is
// unreachable but was reachable before, the item counts as missing. A page
// that renders but no longer parses falls back to the stored links.
func (r *Refresher) resolveLinks(ctx context.Context, item catalog.CatalogItem) ([]catalog.AssetLink, bool) {
	page, err := r.gateway.FetchDetailPage(ctx, item.Slug)
	if err != nil {
		r.logger.Warn("detail fetch failed during refresh",
			zap.String("slug", item.Slug), zap.Error(err))
		return storedLinks(item), false
	}
	if page == nil {
		return nil, true
	}

	if record := r.extractor.Detail(item.Slug, page.State); record != nil {
		return record.AssetLinks, false
	}
	return storedLinks(item), false
}

func storedLinks(item catalog.CatalogItem) []catalog.AssetLink {
	links := make([]catalog.AssetLink, 0, len(item.AssetLinks))
	for _, url := range item.AssetLinks {
		links = append(links, catalog.AssetLink{URL: url})
	}
	return links
}

// reportMissing is fire-and-forget: a failed notification is logged and
// swallowed.
func (r *Refresher) reportMissing(ctx context.Context, missing []catalog.MissingItem) {
	if len(missing) == 0 {
		return
	}
	r.logger.Warn("catalog items missing at source", zap.Int("count", len(missing)))
	if r.notifier == nil {
		return
	}
	payload := map[string]any{
		"count": len(missing),
		"items": missing,
	}
	if r.clock != nil {
		payload["detected_at"] = r.clock.Now()
	}
	if err := r.notifier.Notify(ctx, "items_missing_at_source", payload); err != nil {
		r.logger.Warn("missing-item notification failed", zap.Error(err))
	}
}
