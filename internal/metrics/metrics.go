// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	listingPagesTotal   *prometheus.CounterVec
	itemsReconciled     *prometheus.CounterVec
	assetTransfersTotal *prometheus.CounterVec
	challengesTotal     prometheus.Counter
	crawlRunsTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_listing_pages_total",
				Help: "Listing pages fetched, labeled by outcome (ok, empty, error).",
			},
			[]string{"outcome"},
		)

		itemsReconciled = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_items_reconciled_total",
				Help: "Catalog items reconciled, labeled by action (created, updated, skipped).",
			},
			[]string{"action"},
		)

		assetTransfersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_asset_transfers_total",
				Help: "Asset transfers attempted, labeled by result (rehosted, fallback).",
			},
			[]string{"result"},
		)

		challengesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_bot_challenges_total",
				Help: "Navigations that hit an anti-bot challenge page.",
			},
		)

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_crawl_runs_total",
				Help: "Crawl runs finished, labeled by result (completed, stopped, failed).",
			},
			[]string{"result"},
		)
	})
}

// ObserveListingPage records a listing page fetch outcome.
func ObserveListingPage(outcome string) {
	if listingPagesTotal != nil {
		listingPagesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveItem records a reconciliation action for one catalog item.
func ObserveItem(action string) {
	if itemsReconciled != nil {
		itemsReconciled.WithLabelValues(action).Inc()
	}
}

// ObserveAssetTransfer records a rehost attempt result.
func ObserveAssetTransfer(result string) {
	if assetTransfersTotal != nil {
		assetTransfersTotal.WithLabelValues(result).Inc()
	}
}

// ObserveChallenge records a detected bot-challenge page.
func ObserveChallenge() {
	if challengesTotal != nil {
		challengesTotal.Inc()
	}
}

// ObserveCrawlRun records how a crawl run ended.
func ObserveCrawlRun(result string) {
	if crawlRunsTotal != nil {
		crawlRunsTotal.WithLabelValues(result).Inc()
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
