// Package rehost copies remote assets into durable blob storage.
package rehost

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
	"github.com/packvault/catalog-crawler/internal/metrics"
)

// AssetPayload is a downloaded asset ready for upload.
type AssetPayload struct {
	Data     []byte
	Filename string
}

// DirectFetcher downloads an asset over plain HTTP.
type DirectFetcher interface {
	FetchAsset(ctx context.Context, url string) (*AssetPayload, error)
}

// Config controls the rehosting fan-out.
type Config struct {
	// AssetAPIHost marks URLs that must be downloaded through a rendered
	// browser session instead of a plain HTTP GET.
	AssetAPIHost string
	MaxParallel  int
	KeyPrefix    string
	DefaultExt   string
	ContentType  string
}

// Rehoster transfers each asset of one catalog item into blob storage.
// Rehosting is a best-effort optimization: a failed transfer degrades to
// the original remote URL, never to a failed item.
type Rehoster struct {
	cfg     Config
	gateway catalog.Gateway
	fetcher DirectFetcher
	store   catalog.BlobStore
	ids     catalog.IDGenerator
	logger  *zap.Logger
}

// New creates a Rehoster.
func New(
	cfg Config,
	gateway catalog.Gateway,
	fetcher DirectFetcher,
	store catalog.BlobStore,
	ids catalog.IDGenerator,
	logger *zap.Logger,
) *Rehoster {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "packs"
	}
	if cfg.DefaultExt == "" {
		cfg.DefaultExt = ".mcpack"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rehoster{
		cfg:     cfg,
		gateway: gateway,
		fetcher: fetcher,
		store:   store,
		ids:     ids,
		logger:  logger,
	}
}

// Rehost transfers every link concurrently and waits for all outcomes.
// The returned slice has the same order and cardinality as links; a slot
// whose transfer failed holds the original remote URL.
func (r *Rehoster) Rehost(ctx context.Context, slug string, links []catalog.AssetLink) []string {
	results := make([]string, len(links))
	sem := make(chan struct{}, r.cfg.MaxParallel)

	var wg sync.WaitGroup
	for i, link := range links {
		wg.Add(1)
		go func(i int, link catalog.AssetLink) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			hosted, err := r.transfer(ctx, link.URL)
			if err != nil {
				r.logger.Warn("asset transfer failed, keeping source url",
					zap.String("slug", slug),
					zap.String("url", link.URL),
					zap.Error(err),
				)
				metrics.ObserveAssetTransfer("fallback")
				results[i] = link.URL
				return
			}
			metrics.ObserveAssetTransfer("rehosted")
			results[i] = hosted
		}(i, link)
	}
	wg.Wait()
	return results
}

func (r *Rehoster) transfer(ctx context.Context, rawURL string) (string, error) {
	if r.cfg.AssetAPIHost != "" && strings.HasPrefix(rawURL, r.cfg.AssetAPIHost) {
		return r.transferViaSession(ctx, rawURL)
	}
	return r.transferDirect(ctx, rawURL)
}

func (r *Rehoster) transferDirect(ctx context.Context, rawURL string) (string, error) {
	payload, err := r.fetcher.FetchAsset(ctx, rawURL)
	if err != nil {
		return "", err
	}

	key, err := r.blobKey(extensionOf(payload.Filename, rawURL, r.cfg.DefaultExt))
	if err != nil {
		return "", err
	}
	hosted, err := r.store.Upload(ctx, key, r.cfg.ContentType, bytes.NewReader(payload.Data))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return hosted, nil
}

func (r *Rehoster) transferViaSession(ctx context.Context, rawURL string) (string, error) {
	download, err := r.gateway.DownloadViaSession(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if download == nil {
		return "", fmt.Errorf("session download of %s yielded nothing", rawURL)
	}
	// The temp file goes away regardless of how the upload ends.
	defer func() {
		if removeErr := os.Remove(download.LocalPath); removeErr != nil {
			r.logger.Debug("remove temp download", zap.Error(removeErr))
		}
	}()

	file, err := os.Open(download.LocalPath)
	if err != nil {
		return "", fmt.Errorf("open downloaded file: %w", err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	key, err := r.blobKey(extensionOf(download.SuggestedFilename, rawURL, r.cfg.DefaultExt))
	if err != nil {
		return "", err
	}
	hosted, err := r.store.Upload(ctx, key, r.cfg.ContentType, file)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return hosted, nil
}

func (r *Rehoster) blobKey(ext string) (string, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate blob key: %w", err)
	}
	return r.cfg.KeyPrefix + "/" + id + ext, nil
}

// extensionOf picks the asset's file extension: the suggested filename
// wins, then the URL path, then the configured default.
func extensionOf(filename, rawURL, fallback string) string {
	if ext := path.Ext(filename); ext != "" {
		return ext
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(parsed.Path); ext != "" {
			return ext
		}
	}
	return fallback
}
