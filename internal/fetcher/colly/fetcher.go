// Package collyfetcher downloads assets over plain HTTP using Colly.
package collyfetcher

import (
	"context"
	"fmt"
	"mime"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/packvault/catalog-crawler/internal/rehost"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps the downloaded asset size. Zero means no cap.
	MaxBodyBytes int64
}

// Fetcher implements rehost.DirectFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = int(cfg.MaxBodyBytes)
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// FetchAsset executes a single HTTP GET and returns the asset bytes. Any
// non-success response or transport failure is returned as an error; the
// rehoster translates that into a fallback to the source URL.
func (f *Fetcher) FetchAsset(ctx context.Context, rawURL string) (*rehost.AssetPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		payload  *rehost.AssetPayload
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body := make([]byte, len(r.Body))
		copy(body, r.Body)
		payload = &rehost.AssetPayload{
			Data:     body,
			Filename: suggestedFilename(r),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("fetch %s: status %d: %w", rawURL, r.StatusCode, err)
			return
		}
		fetchErr = fmt.Errorf("fetch %s: %w", rawURL, err)
	})

	if err := collector.Visit(rawURL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", rawURL, err)
	}
	collector.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if payload == nil {
		return nil, fmt.Errorf("fetch %s: no response", rawURL)
	}
	return payload, nil
}

// suggestedFilename extracts the filename from the Content-Disposition
// header when the server supplies one.
func suggestedFilename(r *colly.Response) string {
	if r.Headers == nil {
		return ""
	}
	disposition := r.Headers.Get("Content-Disposition")
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
