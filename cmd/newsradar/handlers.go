package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/cache"
	"github.com/elonfeng/newsradar/internal/config"
	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/internal/scheduler"
	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/alert"
	"github.com/elonfeng/newsradar/pkg/dedup"
	"github.com/elonfeng/newsradar/pkg/enrich"
	"github.com/elonfeng/newsradar/pkg/extract"
	"github.com/elonfeng/newsradar/pkg/score"
	"github.com/elonfeng/newsradar/pkg/server"
	"github.com/elonfeng/newsradar/pkg/source"
)

var stageNames = []string{"extractor", "dedup", "scorer", "enrichment"}

// app holds the shared dependencies of every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	broker *store.Broker
	cache  cache.Cache
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	broker, err := store.NewBroker(cfg.Database.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	c, err := cache.New(ctx, cfg.Cache.Backend, cfg.Cache.Dir, cfg.Cache.RedisURL, cfg.Cache.ParseTTL())
	if err != nil {
		_ = broker.CloseAll()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &app{cfg: cfg, logger: logger, broker: broker, cache: c}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close cache")
	}
	if err := a.broker.CloseAll(); err != nil {
		a.logger.Warn().Err(err).Msg("close stores")
	}
}

func (a *app) newScheduler(retentionHours int) *scheduler.Scheduler {
	return scheduler.New(a.broker, scheduler.Options{
		IdleInterval:      a.cfg.Pipeline.ParseIdleInterval(),
		ActiveInterval:    a.cfg.Pipeline.ParseActiveInterval(),
		RetentionHours:    retentionHours,
		RetentionInterval: a.cfg.Retention.ParseInterval(),
	}, a.logger)
}

func (a *app) buildExtractor() *extract.Extractor {
	ec := a.cfg.Extractor
	fetcher := extract.NewLinkFetcher(extract.FetcherOptions{
		Timeout:           ec.ParseFetchTimeout(),
		RequestsPerSecond: ec.RequestsPerSecond,
		MaxChars:          ec.MaxLinkChars,
		UserAgent:         ec.UserAgent,
		Cache:             a.cache,
	})

	var ocr extract.OCR
	if ec.OCR.Enabled {
		t := extract.NewTesseract(ec.OCR.Command, ec.OCR.Languages, ec.OCR.ParseTimeout())
		if t.Available() {
			ocr = t
		} else {
			a.logger.Warn().Str("command", ec.OCR.Command).Msg("ocr command not found, image text will be empty")
		}
	}

	return extract.New(a.broker, fetcher, extract.NewCachedOCR(ocr, a.cache), extract.Options{
		BatchSize:    ec.BatchSize,
		MaxLinks:     ec.MaxLinksPerRow,
		LinkAttempts: ec.LinkAttempts,
	}, a.logger)
}

func (a *app) buildDedup() *dedup.Deduplicator {
	dc := a.cfg.Dedup
	return dedup.New(a.broker, dedup.Options{
		BatchSize:     dc.BatchSize,
		Lookback:      dc.ParseLookback(),
		Threshold:     dc.Threshold,
		MaxCandidates: dc.MaxCandidates,
	}, a.logger)
}

func (a *app) buildScorer() *score.Stage {
	sc := a.cfg.Scoring
	keywords := score.NewKeywords(sc.Keywords, sc.SpamKeywords)
	return score.NewStage(a.broker, score.NewScorer(keywords, sc.TrustedSources, sc.Threshold), sc.BatchSize, a.logger)
}

func (a *app) buildEnrichment() *enrich.Processor {
	ec := a.cfg.Enrichment

	var notifier enrich.Notifier
	if m := buildAlertManager(a.cfg); m.HasNotifiers() {
		notifier = m
	}

	return enrich.New(a.broker, a.adapterSource(), notifier, enrich.Options{
		BatchSize:         ec.BatchSize,
		RequestsPerMinute: ec.RequestsPerMinute,
		RefreshInterval:   ec.ParseRefreshInterval(),
		PromptFile:        ec.PromptFile,
	}, a.logger)
}

// adapterSource rereads the configuration on every refresh so provider and key
// changes apply without a restart.
func (a *app) adapterSource() enrich.AdapterSource {
	return func(ctx context.Context) (enrich.Adapter, error) {
		ec := a.cfg.Enrichment
		if cfg, err := loadConfig(); err != nil {
			a.logger.Warn().Err(err).Msg("reload config failed, using startup enrichment settings")
		} else {
			ec = cfg.Enrichment
		}
		return enrich.NewAdapter(enrich.AdapterConfig{
			Provider: ec.Provider,
			Model:    ec.Model,
			APIKey:   ec.APIKey,
			BaseURL:  ec.BaseURL,
			Timeout:  ec.ParseTimeout(),
		})
	}
}

func (a *app) buildStage(name string) (scheduler.Stage, error) {
	switch name {
	case "extractor":
		return a.buildExtractor(), nil
	case "dedup":
		return a.buildDedup(), nil
	case "scorer":
		return a.buildScorer(), nil
	case "enrichment":
		return a.buildEnrichment(), nil
	}
	return nil, fmt.Errorf("unknown stage %q (want one of: %s)", name, strings.Join(stageNames, ", "))
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

// addCaptureServices registers the Telegram listener and the feed poller.
func (a *app) addCaptureServices(sched *scheduler.Scheduler) error {
	tc := a.cfg.Telegram
	if tc.Enabled {
		opts := []source.ListenerOption{source.WithReconnectDelay(tc.ParseReconnectDelay())}
		if tc.DownloadMedia {
			media, err := source.NewMediaStore(tc.MediaDir)
			if err != nil {
				return err
			}
			opts = append(opts, source.WithMediaStore(media))
		}
		session := source.NewTelegramSession(tc.BotToken, tc.PollTimeout, a.logger)
		listener := source.NewListener(session, a.broker, tc.Channels, a.logger, opts...)
		sched.AddService("listener", listener.Run)
	}

	fc := a.cfg.Feeds
	if fc.Enabled && len(fc.Feeds) > 0 {
		feeds := make([]source.RSSFeed, len(fc.Feeds))
		for i, f := range fc.Feeds {
			feeds[i] = source.RSSFeed{Name: f.Name, URL: f.URL}
		}
		poller := source.NewFeedPoller(feeds, a.broker, fc.ParseInterval(), a.logger)
		sched.AddService("feeds", poller.Run)
	}

	if !tc.Enabled && !fc.Enabled {
		a.logger.Warn().Msg("telegram and feeds are both disabled, nothing will be captured")
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runDaemon(port int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.newScheduler(a.cfg.Retention.Hours)
	if err := a.addCaptureServices(sched); err != nil {
		return err
	}
	for _, name := range stageNames {
		if name == "enrichment" && !a.cfg.Enrichment.Enabled {
			a.logger.Info().Msg("enrichment disabled")
			continue
		}
		st, err := a.buildStage(name)
		if err != nil {
			return err
		}
		sched.AddStage(st)
	}

	if a.cfg.Server.Enabled {
		if port == 0 {
			port = a.cfg.Server.Port
		}
		srv := server.New(a.broker, sched, a.logger, server.Options{Port: port})
		sched.AddService("server", srv.ListenAndServe)
	}

	err = sched.Run(ctx)
	a.logger.Info().Msg("shut down")
	return err
}

func runInit() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	initErr := a.broker.Init(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORE\tMODE\tPATH")
	for _, n := range store.Names() {
		mode := "rw"
		if a.broker.ReadOnly(n) {
			mode = "ro"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", n, mode, a.broker.Path(n))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return initErr
}

func runListen() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.newScheduler(0)
	if err := a.addCaptureServices(sched); err != nil {
		return err
	}
	return sched.Run(ctx)
}

func runStage(name string, once bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.buildStage(name)
	if err != nil {
		return err
	}
	sched := a.newScheduler(0)
	sched.AddStage(st)

	if !once {
		return sched.Run(ctx)
	}

	if err := a.broker.Init(ctx); err != nil {
		a.logger.Error().Err(err).Msg("schema init incomplete")
	}
	n, err := sched.RunOnce(ctx, st)
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	fmt.Fprintf(os.Stderr, "%s: processed %d rows\n", name, n)
	return nil
}

func runSweep(hours int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if hours <= 0 {
		hours = a.cfg.Retention.Hours
	}
	removed, err := a.broker.RunRetentionSweep(ctx, hours)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORE\tDELETED")
	for _, n := range store.Names() {
		if count, ok := removed[n]; ok {
			fmt.Fprintf(w, "%s\t%d\n", n, count)
		}
	}
	if ferr := w.Flush(); ferr != nil {
		return ferr
	}
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	return nil
}

func runStats(jsonOutput bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.broker.Counts(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tPENDING\tDONE")
	fmt.Fprintf(w, "listener\t-\t%d\n", stats.Listings)
	fmt.Fprintf(w, "extractor\t%d\t%d\n", stats.PendingExtract, stats.Raw)
	fmt.Fprintf(w, "dedup\t%d\t%d duplicates\n", stats.PendingDedup, stats.Duplicates)
	fmt.Fprintf(w, "scorer\t%d\t%d pass / %d drop\n", stats.PendingScoring, stats.Passed, stats.Dropped)
	fmt.Fprintf(w, "enrichment\t%d\t%d\n", max(stats.Passed-stats.Enriched, 0), stats.Enriched)
	if err := w.Flush(); err != nil {
		return err
	}
	if len(stats.ReadOnlyStores) > 0 {
		fmt.Fprintf(os.Stderr, "read-only stores: %v\n", stats.ReadOnlyStores)
	}
	return nil
}

func runNews(ticker, since string, limit int, jsonOutput bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	opts := store.NewsListOpts{Ticker: strings.ToUpper(strings.TrimSpace(ticker)), Limit: limit}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			return err
		}
		opts.Since = t
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.broker.ListEnriched(ctx, opts)
	if err != nil {
		if store.IsNoWork(err) {
			items = nil
		} else {
			return fmt.Errorf("list news: %w", err)
		}
	}

	if jsonOutput {
		if items == nil {
			items = []store.EnrichedNewsItem{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Println("no news found (is the pipeline running? try: newsradar run)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tTICKER\tCOMPANY\tSENTIMENT\tHEADLINE")
	for _, n := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			n.CreatedAt.Format(time.RFC3339), dash(n.Ticker), dash(n.CompanyName), n.Sentiment, n.Headline)
	}
	return w.Flush()
}

// parseSince accepts a duration back from now or an RFC3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, errors.New("--since duration must be positive")
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be a duration or RFC3339 time: %q", s)
	}
	return t, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
