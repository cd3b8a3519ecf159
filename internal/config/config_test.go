package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.Pipeline.ParseIdleInterval(); got != 5*time.Second {
		t.Fatalf("unexpected idle interval %v", got)
	}
	if got := cfg.Dedup.ParseLookback(); got != 24*time.Hour {
		t.Fatalf("unexpected lookback %v", got)
	}
	if got := cfg.Enrichment.ParseRefreshInterval(); got != 5*time.Minute {
		t.Fatalf("unexpected refresh interval %v", got)
	}
}

func TestParseHelpersFallBack(t *testing.T) {
	t.Parallel()

	p := PipelineConfig{IdleInterval: "soon", ActiveInterval: "-1s"}
	if got := p.ParseIdleInterval(); got != 5*time.Second {
		t.Fatalf("expected fallback idle interval, got %v", got)
	}
	if got := p.ParseActiveInterval(); got != time.Second {
		t.Fatalf("expected fallback active interval, got %v", got)
	}
	if got := (TelegramConfig{ReconnectDelay: "3s"}).ParseReconnectDelay(); got != 3*time.Second {
		t.Fatalf("unexpected reconnect delay %v", got)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "newsradar.yaml")
	data := `
database:
  dir: /var/lib/newsradar
dedup:
  threshold: 0.8
scoring:
  threshold: 30
  trusted_sources: ["@moneycontrol"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Dir != "/var/lib/newsradar" {
		t.Fatalf("unexpected dir %q", cfg.Database.Dir)
	}
	if cfg.Dedup.Threshold != 0.8 || cfg.Dedup.MaxCandidates != 200 {
		t.Fatalf("unexpected dedup config %+v", cfg.Dedup)
	}
	if cfg.Scoring.Threshold != 30 || len(cfg.Scoring.TrustedSources) != 1 {
		t.Fatalf("unexpected scoring config %+v", cfg.Scoring)
	}
	if cfg.Extractor.MaxLinkChars != 4000 {
		t.Fatalf("default max_link_chars lost: %d", cfg.Extractor.MaxLinkChars)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHANNELS", "@marketnews, -1001234567890 ,")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("NEWSRADAR_DB_DIR", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.BotToken != "123:abc" {
		t.Fatalf("telegram override not applied: %+v", cfg.Telegram)
	}
	if strings.Join(cfg.Telegram.Channels, "|") != "@marketnews|-1001234567890" {
		t.Fatalf("unexpected channels %v", cfg.Telegram.Channels)
	}
	if cfg.Enrichment.Provider != "anthropic" || cfg.Enrichment.APIKey != "sk-test" {
		t.Fatalf("enrichment override not applied: %+v", cfg.Enrichment)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty db dir", mutate: func(c *Config) { c.Database.Dir = " " }},
		{name: "telegram without token", mutate: func(c *Config) { c.Telegram.Enabled = true }},
		{name: "threshold above one", mutate: func(c *Config) { c.Dedup.Threshold = 1.5 }},
		{name: "score threshold out of range", mutate: func(c *Config) { c.Scoring.Threshold = 101 }},
		{name: "redis without url", mutate: func(c *Config) { c.Cache.Backend = "redis" }},
		{name: "unknown cache", mutate: func(c *Config) { c.Cache.Backend = "memcached" }},
		{name: "unknown provider", mutate: func(c *Config) { c.Enrichment.Provider = "bard" }},
		{name: "openai without key", mutate: func(c *Config) { c.Enrichment.Provider = "openai" }},
		{name: "zero retention", mutate: func(c *Config) { c.Retention.Hours = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
