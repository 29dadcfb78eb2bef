// Command catalogd runs the catalog crawl service: an HTTP trigger surface
// in front of the headless-browser crawl pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/api"
	"github.com/packvault/catalog-crawler/internal/catalog"
	systemclock "github.com/packvault/catalog-crawler/internal/clock/system"
	"github.com/packvault/catalog-crawler/internal/config"
	"github.com/packvault/catalog-crawler/internal/crawl"
	"github.com/packvault/catalog-crawler/internal/extractor"
	collyfetcher "github.com/packvault/catalog-crawler/internal/fetcher/colly"
	"github.com/packvault/catalog-crawler/internal/gateway"
	"github.com/packvault/catalog-crawler/internal/logging"
	"github.com/packvault/catalog-crawler/internal/maintenance"
	"github.com/packvault/catalog-crawler/internal/metrics"
	notifymem "github.com/packvault/catalog-crawler/internal/notify/memory"
	notifypubsub "github.com/packvault/catalog-crawler/internal/notify/pubsub"
	pgrepo "github.com/packvault/catalog-crawler/internal/repository/postgres"
	"github.com/packvault/catalog-crawler/internal/rehost"
	"github.com/packvault/catalog-crawler/internal/storage/gcs"
	uuidgen "github.com/packvault/catalog-crawler/internal/id/uuid"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars apply either way)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "catalogd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	browser, err := gateway.New(gateway.Config{
		BaseURL:          cfg.Source.BaseURL,
		UserAgent:        cfg.Source.UserAgent,
		ChallengeMarkers: cfg.Source.ChallengeMarkers,
		NavTimeout:       cfg.NavTimeout(),
		DownloadDir:      cfg.Browser.DownloadDir,
		DownloadBudget:   cfg.DownloadBudget(),
		SourceQPS:        cfg.Browser.SourceQPS,
	}, logger)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer browser.Close()

	repo, err := pgrepo.New(ctx, pgrepo.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer repo.Close()

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	defer gcsClient.Close()

	store, err := gcs.New(gcsClient, gcs.Config{
		Bucket:       cfg.Storage.GCSBucket,
		PublicDomain: cfg.Storage.PublicDomain,
	})
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}

	notifier, cleanupNotifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}
	defer cleanupNotifier()

	ext := extractor.New(logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Rehost.DirectFetchAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Rehost.MaxAssetSizeBytes,
	})
	rehoster := rehost.New(rehost.Config{
		AssetAPIHost: cfg.Source.AssetAPIHost,
		MaxParallel:  cfg.Rehost.MaxParallel,
		KeyPrefix:    cfg.Rehost.KeyPrefix,
		DefaultExt:   cfg.Rehost.DefaultExt,
		ContentType:  cfg.Rehost.ContentType,
	}, browser, fetcher, store, uuidgen.New(), logger)

	sm := crawl.New(crawl.Config{
		DurableURLPrefix: store.PublicDomain() + "/",
	}, browser, ext, rehoster, repo, logger)

	refresher := maintenance.New(browser, ext, rehoster, repo, notifier, systemclock.New(), logger)

	server := api.NewServer(sm, refresher, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Crawl.DailyTrigger {
		go dailyCrawl(ctx, sm, cfg.Crawl.StartPage, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sm.Stop(); err != nil && !errors.Is(err, crawl.ErrAlreadyStopped) {
		logger.Warn("stop crawl on shutdown", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// buildNotifier returns a Pub/Sub notifier when a topic is configured and an
// in-memory sink otherwise, so local runs need no cloud project.
func buildNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (catalog.Notifier, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("pubsub not configured, notifications stay in-process")
		return notifymem.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.TopicName)
	cleanup := func() {
		topic.Stop()
		client.Close() //nolint:errcheck
	}
	return notifypubsub.New(topic), cleanup, nil
}

// dailyCrawl kicks off a crawl once a day until the process exits. The
// state machine makes overlapping triggers a no-op.
func dailyCrawl(ctx context.Context, sm *crawl.StateMachine, startPage int, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("daily crawl trigger fired")
			if err := sm.Start(ctx, startPage); err != nil {
				logger.Error("scheduled crawl failed", zap.Error(err))
			}
		}
	}
}
