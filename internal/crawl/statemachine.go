// Package crawl drives the listing-page loop and reconciles parsed items
// into the catalog.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
	"github.com/packvault/catalog-crawler/internal/metrics"
)

// ErrAlreadyStopped rejects Stop on a state machine that is not running.
// Stopping a stopped crawl is a caller error, unlike the idempotent Start.
var ErrAlreadyStopped = errors.New("crawl already stopped")

// Extractor parses rendered pages into typed records.
type Extractor interface {
	Listing(html string) []catalog.ListingSummary
	Detail(slug string, state []byte) *catalog.DetailRecord
}

// Config controls reconciliation behavior.
type Config struct {
	// DurableURLPrefix identifies asset links that already point at the
	// blob store's public domain. When an existing item's links are
	// durable, re-crawls reuse them instead of the freshly rehosted set.
	DurableURLPrefix string
}

// StateMachine is the crawl orchestrator. One instance drives the catalog
// at a time; its state is mutated only by Start, Stop, and loop termination.
type StateMachine struct {
	cfg       Config
	gateway   catalog.Gateway
	extractor Extractor
	rehoster  catalog.Rehoster
	repo      catalog.Repository
	logger    *zap.Logger

	mu            sync.Mutex
	status        catalog.CrawlStatus
	page          int
	stopRequested bool
}

// New creates a StateMachine in the STOPPED state at page 1.
func New(
	cfg Config,
	gateway catalog.Gateway,
	extractor Extractor,
	rehoster catalog.Rehoster,
	repo catalog.Repository,
	logger *zap.Logger,
) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		cfg:       cfg,
		gateway:   gateway,
		extractor: extractor,
		rehoster:  rehoster,
		repo:      repo,
		logger:    logger,
		status:    catalog.CrawlStopped,
		page:      1,
	}
}

// Status reports the current state and page counter.
func (sm *StateMachine) Status() (catalog.CrawlStatus, int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status, sm.page
}

// Start begins the page loop and runs it to completion. Calling Start on a
// running state machine is a silent no-op. The returned error is the
// hard-stop cause, when there is one.
func (sm *StateMachine) Start(ctx context.Context, fromPage int) error {
	sm.mu.Lock()
	if sm.status == catalog.CrawlStarted {
		sm.mu.Unlock()
		return nil
	}
	sm.status = catalog.CrawlStarted
	sm.stopRequested = false
	if fromPage > 0 {
		sm.page = fromPage
	}
	startPage := sm.page
	sm.mu.Unlock()

	sm.logger.Info("crawl starting", zap.Int("page", startPage))
	err := sm.run(ctx)
	stopped := sm.finish()

	switch {
	case err != nil:
		metrics.ObserveCrawlRun("failed")
		sm.logger.Warn("crawl aborted", zap.Error(err))
		return err
	case stopped:
		sm.logger.Info("crawl stopped by operator")
		return nil
	default:
		metrics.ObserveCrawlRun("completed")
		sm.logger.Info("crawl finished")
		return nil
	}
}

// Stop requests a cooperative stop. The current iteration finishes; no new
// iteration starts.
func (sm *StateMachine) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status == catalog.CrawlStopped {
		return fmt.Errorf("stop crawl: %w", ErrAlreadyStopped)
	}
	sm.status = catalog.CrawlStopped
	sm.page = 1
	sm.stopRequested = true
	metrics.ObserveCrawlRun("stopped")
	return nil
}

// finish returns the machine to STOPPED after a run and reports whether
// the run ended because Stop was called.
func (sm *StateMachine) finish() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = catalog.CrawlStopped
	sm.page = 1
	return sm.stopRequested
}

func (sm *StateMachine) started() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status == catalog.CrawlStarted
}

func (sm *StateMachine) currentPage() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.page
}

func (sm *StateMachine) advancePage() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status == catalog.CrawlStarted {
		sm.page++
	}
}

// run executes listing pages until the source is exhausted, a fetch fails,
// or Stop is observed. Stop is checked only at the top of each iteration.
func (sm *StateMachine) run(ctx context.Context) error {
	for sm.started() {
		// Known slugs are re-fetched per page: earlier pages of a long
		// run may already have mutated the catalog.
		known, err := sm.repo.ListKnownSlugs(ctx)
		if err != nil {
			return fmt.Errorf("list known slugs: %w", err)
		}
		knownSet := make(map[string]struct{}, len(known))
		for _, slug := range known {
			knownSet[slug] = struct{}{}
		}

		page := sm.currentPage()
		rendered, err := sm.gateway.FetchListingPage(ctx, page)
		if err != nil {
			return fmt.Errorf("fetch listing page %d: %w", page, err)
		}
		if rendered == nil {
			sm.logger.Info("no more listing content", zap.Int("page", page))
			return nil
		}

		summaries := sm.extractor.Listing(rendered.HTML)
		if len(summaries) == 0 {
			sm.logger.Info("listing page yielded no cards", zap.Int("page", page))
			return nil
		}

		for _, summary := range summaries {
			sm.processItem(ctx, summary.Slug, knownSet)
		}

		sm.advancePage()
	}
	return nil
}

// processItem fetches, parses, rehosts, and reconciles one item. Every
// failure here is a soft skip: it is logged and never aborts the run.
func (sm *StateMachine) processItem(ctx context.Context, slug string, known map[string]struct{}) {
	detail, err := sm.gateway.FetchDetailPage(ctx, slug)
	if err != nil {
		sm.logger.Warn("detail fetch failed, skipping item", zap.String("slug", slug), zap.Error(err))
		metrics.ObserveItem("skipped")
		return
	}
	if detail == nil {
		sm.logger.Info("detail page unavailable", zap.String("slug", slug))
		metrics.ObserveItem("skipped")
		return
	}

	record := sm.extractor.Detail(slug, detail.State)
	if record == nil {
		sm.logger.Info("detail record rejected", zap.String("slug", slug))
		metrics.ObserveItem("skipped")
		return
	}

	hosted := sm.rehoster.Rehost(ctx, slug, record.AssetLinks)
	item := itemFromRecord(*record, hosted)

	if _, exists := known[slug]; exists {
		if err := sm.updateExisting(ctx, slug, item); err != nil {
			sm.logger.Warn("update failed, skipping item", zap.String("slug", slug), zap.Error(err))
			metrics.ObserveItem("skipped")
			return
		}
		sm.logger.Info("catalog item updated", zap.String("slug", slug))
		metrics.ObserveItem("updated")
		return
	}

	if err := sm.repo.Create(ctx, item); err != nil {
		sm.logger.Warn("create failed, skipping item", zap.String("slug", slug), zap.Error(err))
		metrics.ObserveItem("skipped")
		return
	}
	sm.logger.Info("catalog item created", zap.String("slug", slug))
	metrics.ObserveItem("created")
}

// updateExisting merges the fresh parse into the stored item: version sets
// union, and hosted links already on durable storage are kept to avoid
// re-uploading on every crawl.
func (sm *StateMachine) updateExisting(ctx context.Context, slug string, item catalog.CatalogItem) error {
	existing, err := sm.repo.FindBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("find %s: %w", slug, err)
	}
	if existing != nil {
		item.MCVersions = unionVersions(existing.MCVersions, item.MCVersions)
		if sm.linksAreDurable(existing.AssetLinks) {
			item.AssetLinks = existing.AssetLinks
		}
	}
	if err := sm.repo.Update(ctx, slug, item); err != nil {
		return fmt.Errorf("update %s: %w", slug, err)
	}
	return nil
}

func (sm *StateMachine) linksAreDurable(links []string) bool {
	if sm.cfg.DurableURLPrefix == "" || len(links) == 0 {
		return false
	}
	return strings.HasPrefix(links[0], sm.cfg.DurableURLPrefix)
}

// unionVersions keeps the existing versions in order and appends the new
// ones not yet present. Versions are only ever added, never removed.
func unionVersions(existing, fresh []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(fresh))
	union := make([]string, 0, len(existing)+len(fresh))
	for _, v := range existing {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		union = append(union, v)
	}
	for _, v := range fresh {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		union = append(union, v)
	}
	return union
}

func itemFromRecord(record catalog.DetailRecord, hostedLinks []string) catalog.CatalogItem {
	return catalog.CatalogItem{
		Slug:              record.Slug,
		Title:             record.Title,
		Category:          record.Category,
		ThumbnailURL:      record.ThumbnailURL,
		DescriptionHTML:   record.DescriptionHTML,
		Description:       record.DescriptionPlainText,
		DescriptionImages: record.DescriptionImages,
		AssetLinks:        hostedLinks,
		MCVersions:        record.MCVersions,
		CommentCount:      record.CommentCount,
		RatingAverage:     record.RatingAverage,
		SourceUpdatedAt:   record.SourceUpdatedAt,
		Parsed:            true,
	}
}
