package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Cache      CacheConfig      `yaml:"cache"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Retention  RetentionConfig  `yaml:"retention"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig configures the directory holding one SQLite file per store.
type DatabaseConfig struct {
	Dir string `yaml:"dir"`
}

// PipelineConfig configures the polling cadence shared by every stage.
type PipelineConfig struct {
	IdleInterval   string `yaml:"idle_interval"`
	ActiveInterval string `yaml:"active_interval"`
}

// ParseIdleInterval returns the sleep after an empty batch.
func (p PipelineConfig) ParseIdleInterval() time.Duration {
	return parseDuration(p.IdleInterval, 5*time.Second)
}

// ParseActiveInterval returns the sleep after a non-empty batch.
func (p PipelineConfig) ParseActiveInterval() time.Duration {
	return parseDuration(p.ActiveInterval, time.Second)
}

// TelegramConfig configures the channel listener.
type TelegramConfig struct {
	Enabled        bool     `yaml:"enabled"`
	BotToken       string   `yaml:"bot_token"`
	Channels       []string `yaml:"channels"`
	ReconnectDelay string   `yaml:"reconnect_delay"`
	PollTimeout    int      `yaml:"poll_timeout"` // long-poll seconds
	DownloadMedia  bool     `yaml:"download_media"`
	MediaDir       string   `yaml:"media_dir"`
}

// ParseReconnectDelay returns the wait between reconnect attempts.
func (t TelegramConfig) ParseReconnectDelay() time.Duration {
	return parseDuration(t.ReconnectDelay, 10*time.Second)
}

// FeedsConfig configures the RSS/Atom channel mirror poller.
type FeedsConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Interval string     `yaml:"interval"`
	Feeds    []FeedItem `yaml:"feeds"`
}

// ParseInterval returns the feed poll interval.
func (f FeedsConfig) ParseInterval() time.Duration {
	return parseDuration(f.Interval, 10*time.Minute)
}

// FeedItem is a single RSS feed entry.
type FeedItem struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// ExtractorConfig configures link scraping and OCR.
type ExtractorConfig struct {
	BatchSize         int       `yaml:"batch_size"`
	MaxLinkChars      int       `yaml:"max_link_chars"`
	MaxLinksPerRow    int       `yaml:"max_links_per_row"`
	LinkAttempts      int       `yaml:"link_attempts"`
	FetchTimeout      string    `yaml:"fetch_timeout"`
	RequestsPerSecond float64   `yaml:"requests_per_second"`
	UserAgent         string    `yaml:"user_agent"`
	OCR               OCRConfig `yaml:"ocr"`
}

// ParseFetchTimeout returns the per-link HTTP timeout.
func (e ExtractorConfig) ParseFetchTimeout() time.Duration {
	return parseDuration(e.FetchTimeout, 15*time.Second)
}

// OCRConfig configures the tesseract command.
type OCRConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Command   string `yaml:"command"`
	Languages string `yaml:"languages"`
	Timeout   string `yaml:"timeout"`
}

// ParseTimeout returns the per-image OCR timeout.
func (o OCRConfig) ParseTimeout() time.Duration {
	return parseDuration(o.Timeout, 30*time.Second)
}

// CacheConfig selects the content cache backend for link text and OCR text.
type CacheConfig struct {
	Backend  string `yaml:"backend"` // "fs", "redis" or "none"
	Dir      string `yaml:"dir"`
	RedisURL string `yaml:"redis_url"`
	TTL      string `yaml:"ttl"`
}

// ParseTTL returns the cache entry lifetime. Zero means no expiry.
func (c CacheConfig) ParseTTL() time.Duration {
	return parseDuration(c.TTL, 7*24*time.Hour)
}

// DedupConfig configures duplicate detection.
type DedupConfig struct {
	BatchSize     int     `yaml:"batch_size"`
	Lookback      string  `yaml:"lookback"`
	Threshold     float64 `yaml:"threshold"`
	MaxCandidates int     `yaml:"max_candidates"`
}

// ParseLookback returns the duplicate lookback window.
func (d DedupConfig) ParseLookback() time.Duration {
	return parseDuration(d.Lookback, 24*time.Hour)
}

// ScoringConfig configures the relevance scorer. Empty keyword lists fall back
// to the built-in lists.
type ScoringConfig struct {
	BatchSize      int                 `yaml:"batch_size"`
	Threshold      int                 `yaml:"threshold"`
	TrustedSources []string            `yaml:"trusted_sources"`
	Keywords       map[string][]string `yaml:"keywords"`
	SpamKeywords   []string            `yaml:"spam_keywords"`
}

// EnrichmentConfig configures the analysis adapter.
type EnrichmentConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BatchSize         int    `yaml:"batch_size"`
	Provider          string `yaml:"provider"` // "openai", "anthropic" or "static"
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Timeout           string `yaml:"timeout"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	RefreshInterval   string `yaml:"refresh_interval"`
	PromptFile        string `yaml:"prompt_file"`
}

// ParseTimeout returns the adapter request timeout.
func (e EnrichmentConfig) ParseTimeout() time.Duration {
	return parseDuration(e.Timeout, 60*time.Second)
}

// ParseRefreshInterval returns how often the adapter and prompt are reloaded.
func (e EnrichmentConfig) ParseRefreshInterval() time.Duration {
	return parseDuration(e.RefreshInterval, 5*time.Minute)
}

// RetentionConfig configures the periodic sweep.
type RetentionConfig struct {
	Hours    int    `yaml:"hours"`
	Interval string `yaml:"interval"`
}

// ParseInterval returns how often the sweep runs.
func (r RetentionConfig) ParseInterval() time.Duration {
	return parseDuration(r.Interval, time.Hour)
}

// AlertsConfig configures downstream destinations for enriched items.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Dir: "./data"},
		Pipeline: PipelineConfig{
			IdleInterval:   "5s",
			ActiveInterval: "1s",
		},
		Telegram: TelegramConfig{
			ReconnectDelay: "10s",
			PollTimeout:    60,
			MediaDir:       "./data/media",
		},
		Feeds: FeedsConfig{Interval: "10m"},
		Extractor: ExtractorConfig{
			BatchSize:         10,
			MaxLinkChars:      4000,
			MaxLinksPerRow:    3,
			LinkAttempts:      5,
			FetchTimeout:      "15s",
			RequestsPerSecond: 2,
			UserAgent:         "newsradar/1.0",
			OCR: OCRConfig{
				Enabled:   true,
				Command:   "tesseract",
				Languages: "eng",
				Timeout:   "30s",
			},
		},
		Cache: CacheConfig{
			Backend: "fs",
			Dir:     "./data/cache",
			TTL:     "168h",
		},
		Dedup: DedupConfig{
			BatchSize:     50,
			Lookback:      "24h",
			Threshold:     0.90,
			MaxCandidates: 200,
		},
		Scoring: ScoringConfig{
			BatchSize: 50,
			Threshold: 25,
		},
		Enrichment: EnrichmentConfig{
			Enabled:           true,
			BatchSize:         10,
			Provider:          "static",
			Timeout:           "60s",
			RequestsPerMinute: 30,
			RefreshInterval:   "5m",
		},
		Retention: RetentionConfig{
			Hours:    72,
			Interval: "1h",
		},
		Server:  ServerConfig{Enabled: true, Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a YAML file, then a .env file if present, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envOverrides lists the variables that override file values when set.
type envOverrides struct {
	DatabaseDir       string `envconfig:"NEWSRADAR_DB_DIR"`
	LogLevel          string `envconfig:"NEWSRADAR_LOG_LEVEL"`
	LogFormat         string `envconfig:"NEWSRADAR_LOG_FORMAT"`
	TelegramBotToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChannels  string `envconfig:"TELEGRAM_CHANNELS"`
	RedisURL          string `envconfig:"REDIS_URL"`
	SlackWebhookURL   string `envconfig:"SLACK_WEBHOOK_URL"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	WebhookURL        string `envconfig:"NEWSRADAR_WEBHOOK_URL"`
	WebhookSecret     string `envconfig:"NEWSRADAR_WEBHOOK_SECRET"`
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY"`
	AnthropicAPIKey   string `envconfig:"ANTHROPIC_API_KEY"`
	ServerPort        int    `envconfig:"NEWSRADAR_PORT"`
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	if env.DatabaseDir != "" {
		cfg.Database.Dir = env.DatabaseDir
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
	if env.TelegramBotToken != "" {
		cfg.Telegram.BotToken = env.TelegramBotToken
		cfg.Telegram.Enabled = true
	}
	if env.TelegramChannels != "" {
		cfg.Telegram.Channels = splitList(env.TelegramChannels)
	}
	if env.RedisURL != "" {
		cfg.Cache.RedisURL = env.RedisURL
		cfg.Cache.Backend = "redis"
	}
	if env.SlackWebhookURL != "" {
		cfg.Alerts.Slack.WebhookURL = env.SlackWebhookURL
		cfg.Alerts.Slack.Enabled = true
	}
	if env.DiscordWebhookURL != "" {
		cfg.Alerts.Discord.WebhookURL = env.DiscordWebhookURL
		cfg.Alerts.Discord.Enabled = true
	}
	if env.WebhookURL != "" {
		cfg.Alerts.Webhook.URL = env.WebhookURL
		cfg.Alerts.Webhook.Enabled = true
	}
	if env.WebhookSecret != "" {
		cfg.Alerts.Webhook.Secret = env.WebhookSecret
	}
	if env.OpenAIAPIKey != "" {
		cfg.Enrichment.APIKey = env.OpenAIAPIKey
		cfg.Enrichment.Provider = "openai"
	}
	if env.AnthropicAPIKey != "" {
		cfg.Enrichment.APIKey = env.AnthropicAPIKey
		cfg.Enrichment.Provider = "anthropic"
	}
	if env.ServerPort != 0 {
		cfg.Server.Port = env.ServerPort
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Dir) == "" {
		return fmt.Errorf("database.dir is required")
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Extractor.BatchSize < 1 {
		return fmt.Errorf("extractor.batch_size must be >= 1")
	}
	if c.Extractor.MaxLinkChars < 0 {
		return fmt.Errorf("extractor.max_link_chars must be >= 0")
	}
	switch c.Cache.Backend {
	case "fs", "none", "":
	case "redis":
		if strings.TrimSpace(c.Cache.RedisURL) == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be in (0, 1], got %v", c.Dedup.Threshold)
	}
	if c.Dedup.MaxCandidates < 0 {
		return fmt.Errorf("dedup.max_candidates must be >= 0")
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 100 {
		return fmt.Errorf("scoring.threshold must be in [0, 100], got %d", c.Scoring.Threshold)
	}
	switch c.Enrichment.Provider {
	case "static":
	case "openai", "anthropic":
		if c.Enrichment.Enabled && strings.TrimSpace(c.Enrichment.APIKey) == "" {
			return fmt.Errorf("enrichment.api_key is required for provider %q", c.Enrichment.Provider)
		}
	default:
		return fmt.Errorf("unknown enrichment provider %q", c.Enrichment.Provider)
	}
	if c.Retention.Hours < 1 {
		return fmt.Errorf("retention.hours must be >= 1")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
