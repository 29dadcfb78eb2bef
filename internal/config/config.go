// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Source  SourceConfig  `mapstructure:"source"`
	Browser BrowserConfig `mapstructure:"browser"`
	Rehost  RehostConfig  `mapstructure:"rehost"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceConfig describes the crawled site.
type SourceConfig struct {
	// BaseURL is the root of the listing/detail site, e.g. "https://mcpedl.com".
	BaseURL string `mapstructure:"base_url"`
	// AssetAPIHost marks asset URLs that require a browser session download.
	AssetAPIHost string `mapstructure:"asset_api_host"`
	UserAgent    string `mapstructure:"user_agent"`
	// ChallengeMarkers are title/content substrings that identify an
	// anti-bot interstitial instead of real content.
	ChallengeMarkers []string `mapstructure:"challenge_markers"`
}

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	NavTimeoutSec  int     `mapstructure:"nav_timeout_seconds"`
	DownloadDir    string  `mapstructure:"download_dir"`
	SourceQPS      float64 `mapstructure:"source_qps"`
	DownloadBudget int     `mapstructure:"download_budget_seconds"`
}

// RehostConfig governs the asset rehosting fan-out.
type RehostConfig struct {
	MaxParallel       int    `mapstructure:"max_parallel"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	DefaultExt        string `mapstructure:"default_ext"`
	FetchTimeoutSec   int    `mapstructure:"fetch_timeout_seconds"`
	ContentType       string `mapstructure:"content_type"`
	DirectFetchRetry  int    `mapstructure:"direct_fetch_retry"`
	DirectFetchAgent  string `mapstructure:"direct_fetch_agent"`
	FollowRedirects   bool   `mapstructure:"follow_redirects"`
	MaxAssetSizeBytes int64  `mapstructure:"max_asset_size_bytes"`
}

// StorageConfig sets the blob storage target for rehosted assets.
type StorageConfig struct {
	GCSBucket    string `mapstructure:"gcs_bucket"`
	PublicDomain string `mapstructure:"public_domain"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for operator notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CrawlConfig controls the scheduled crawl trigger.
type CrawlConfig struct {
	DailyTrigger bool `mapstructure:"daily_trigger"`
	StartPage    int  `mapstructure:"start_page"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can populate it; keys
// without a real default get an empty one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.asset_api_host", "")
	v.SetDefault("source.user_agent", "catalog-crawler/0.1")
	v.SetDefault("source.challenge_markers", []string{"Just a moment", "Attention Required"})
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.download_dir", "")
	v.SetDefault("browser.source_qps", 0.5)
	v.SetDefault("browser.download_budget_seconds", 90)
	v.SetDefault("rehost.max_parallel", 4)
	v.SetDefault("rehost.key_prefix", "packs")
	v.SetDefault("rehost.default_ext", ".mcpack")
	v.SetDefault("rehost.fetch_timeout_seconds", 60)
	v.SetDefault("rehost.content_type", "application/octet-stream")
	v.SetDefault("rehost.follow_redirects", true)
	v.SetDefault("rehost.direct_fetch_retry", 0)
	v.SetDefault("rehost.direct_fetch_agent", "")
	v.SetDefault("rehost.max_asset_size_bytes", 0)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.public_domain", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("crawl.daily_trigger", false)
	v.SetDefault("crawl.start_page", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Rehost.MaxParallel <= 0 {
		return fmt.Errorf("rehost.max_parallel must be > 0")
	}
	if c.Crawl.StartPage < 1 {
		return fmt.Errorf("crawl.start_page must be >= 1")
	}
	return nil
}

// NavTimeout converts the configured navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// FetchTimeout converts the configured asset fetch timeout to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Rehost.FetchTimeoutSec) * time.Second
}

// DownloadBudget bounds a single browser-session download.
func (c Config) DownloadBudget() time.Duration {
	return time.Duration(c.Browser.DownloadBudget) * time.Second
}
