// Package gateway renders source-site pages through headless Chrome.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/packvault/catalog-crawler/internal/catalog"
	"github.com/packvault/catalog-crawler/internal/metrics"
)

// Config controls the shared browser and its navigations.
type Config struct {
	BaseURL          string
	UserAgent        string
	ChallengeMarkers []string
	NavTimeout       time.Duration
	DownloadDir      string
	DownloadBudget   time.Duration
	// SourceQPS throttles navigations against the source host. The crawl is
	// sequential by design; this only spaces requests out further.
	SourceQPS float64
}

// Browser implements catalog.Gateway on top of chromedp. One browser
// process is shared across calls; every fetch runs in its own tab that is
// closed on all exit paths.
type Browser struct {
	cfg             Config
	logger          *zap.Logger
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	limiter         *rate.Limiter
	closeOnce       sync.Once
}

// New launches the shared browser process and warms it up.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.DownloadBudget <= 0 {
		cfg.DownloadBudget = 90 * time.Second
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.SourceQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SourceQPS), 1)
	}

	return &Browser{
		cfg:             cfg,
		logger:          logger,
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		limiter:         limiter,
	}, nil
}

// Close tears down the shared browser process.
func (b *Browser) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.browserCancel()
		b.allocatorCancel()
	})
	return nil
}

// FetchListingPage renders the listing page at the given page number.
// A nil page means no usable content: out-of-range pagination or a bot
// challenge. Transport failures are returned as errors.
func (b *Browser) FetchListingPage(ctx context.Context, page int) (*catalog.RenderedPage, error) {
	pageURL, err := url.JoinPath(b.cfg.BaseURL, "page", fmt.Sprint(page))
	if err != nil {
		return nil, fmt.Errorf("build listing url: %w", err)
	}

	rendered, err := b.render(ctx, pageURL)
	if err != nil {
		metrics.ObserveListingPage("error")
		return nil, err
	}
	if rendered == nil {
		metrics.ObserveListingPage("empty")
		return nil, nil
	}

	// The site renders "undefined" into the title when pagination runs
	// past the last page.
	if strings.Contains(rendered.Title, "undefined") {
		b.logger.Info("listing page out of range", zap.Int("page", page))
		metrics.ObserveListingPage("empty")
		return nil, nil
	}
	metrics.ObserveListingPage("ok")
	return rendered, nil
}

// FetchDetailPage renders one item's detail page. Same nil contract as
// FetchListingPage.
func (b *Browser) FetchDetailPage(ctx context.Context, slug string) (*catalog.RenderedPage, error) {
	pageURL, err := url.JoinPath(b.cfg.BaseURL, slug)
	if err != nil {
		return nil, fmt.Errorf("build detail url: %w", err)
	}
	return b.render(ctx, pageURL)
}

func (b *Browser) render(ctx context.Context, pageURL string) (*catalog.RenderedPage, error) {
	if err := b.waitBudget(ctx); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var (
		title string
		html  string
		state string
	)
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(b.userAgent()),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(`window.__NUXT__ ? JSON.stringify(window.__NUXT__) : ""`, &state),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}

	if marker, hit := b.challengeMarker(title, html); hit {
		// Distinguish the anti-bot interstitial from a genuinely absent
		// page; the caller sees both as "no usable content".
		b.logger.Warn("bot challenge detected",
			zap.String("url", pageURL),
			zap.String("marker", marker),
		)
		metrics.ObserveChallenge()
		return nil, nil
	}

	rendered := &catalog.RenderedPage{
		URL:   pageURL,
		Title: title,
		HTML:  html,
	}
	if state != "" {
		rendered.State = []byte(state)
	}
	return rendered, nil
}

// DownloadViaSession fetches an asset that is only obtainable through a
// rendered browser session and saves it under the configured download dir.
// The caller owns the returned file.
func (b *Browser) DownloadViaSession(ctx context.Context, rawURL string) (*catalog.SessionDownload, error) {
	if err := b.waitBudget(ctx); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.DownloadBudget)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	watcher := newDownloadWatcher()
	chromedp.ListenTarget(taskCtx, watcher.handle)

	if err := chromedp.Run(taskCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(b.cfg.DownloadDir).
			WithEventsEnabled(true),
	); err != nil {
		return nil, fmt.Errorf("set download behavior: %w", err)
	}

	// Navigating to a download commonly aborts the navigation itself once
	// Chrome hands the response to the download manager.
	if err := chromedp.Run(taskCtx, chromedp.Navigate(rawURL)); err != nil && !isDownloadAbort(err) {
		return nil, fmt.Errorf("navigate for download: %w", err)
	}

	guid, filename, err := watcher.wait(taskCtx)
	if err != nil {
		return nil, fmt.Errorf("await download of %s: %w", rawURL, err)
	}

	localPath := b.cfg.DownloadDir + string(os.PathSeparator) + guid
	if _, statErr := os.Stat(localPath); statErr != nil {
		return nil, fmt.Errorf("downloaded file missing: %w", statErr)
	}

	b.logger.Info("session download complete",
		zap.String("url", rawURL),
		zap.String("filename", filename),
	)
	return &catalog.SessionDownload{
		LocalPath:         localPath,
		SuggestedFilename: filename,
	}, nil
}

func (b *Browser) userAgent() string {
	if b.cfg.UserAgent != "" {
		return b.cfg.UserAgent
	}
	return "catalog-crawler/0.1"
}

func (b *Browser) challengeMarker(title, html string) (string, bool) {
	for _, marker := range b.cfg.ChallengeMarkers {
		if strings.Contains(title, marker) || strings.Contains(html, marker) {
			return marker, true
		}
	}
	return "", false
}

func (b *Browser) waitBudget(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait source budget: %w", err)
	}
	return nil
}

func isDownloadAbort(err error) bool {
	return err != nil && strings.Contains(err.Error(), "net::ERR_ABORTED")
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// downloadWatcher collects CDP download events for one tab.
type downloadWatcher struct {
	mu        sync.Mutex
	filenames map[string]string
	completed chan string
}

func newDownloadWatcher() *downloadWatcher {
	return &downloadWatcher{
		filenames: make(map[string]string),
		completed: make(chan string, 1),
	}
}

func (w *downloadWatcher) handle(ev any) {
	switch e := ev.(type) {
	case *browser.EventDownloadWillBegin:
		w.mu.Lock()
		w.filenames[e.GUID] = e.SuggestedFilename
		w.mu.Unlock()
	case *browser.EventDownloadProgress:
		if e.State == browser.DownloadProgressStateCompleted {
			select {
			case w.completed <- e.GUID:
			default:
			}
		}
	}
}

func (w *downloadWatcher) wait(ctx context.Context) (string, string, error) {
	select {
	case guid := <-w.completed:
		w.mu.Lock()
		filename := w.filenames[guid]
		w.mu.Unlock()
		return guid, filename, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}
