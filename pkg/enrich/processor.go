package enrich

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/alert"
	"github.com/elonfeng/newsradar/pkg/source"
)

// Store is the storage the enrichment stage works against.
type Store interface {
	PassScoresAfter(ctx context.Context, afterID int64, limit int) ([]store.ScoreRecord, error)
	EnrichedScoreIDs(ctx context.Context, afterID int64) (map[int64]bool, error)
	GetRaw(ctx context.Context, id int64) (*store.RawMessage, error)
	ActivePrompt(ctx context.Context, stage string) (*store.PromptTemplate, error)
	ActivatePrompt(ctx context.Context, stage, template string) (*store.PromptTemplate, error)
	SaveAnalysis(ctx context.Context, a *store.AnalysisRecord) error
	UpsertEnriched(ctx context.Context, n *store.EnrichedNewsItem) error
}

// Notifier receives every newly enriched item.
type Notifier interface {
	Broadcast(ctx context.Context, n *alert.Notification) error
}

// AdapterSource builds the current adapter. It is called on every refresh so
// configuration changes apply without a restart.
type AdapterSource func(ctx context.Context) (Adapter, error)

// StaticSource always returns a.
func StaticSource(a Adapter) AdapterSource {
	return func(context.Context) (Adapter, error) { return a, nil }
}

// Options tunes the enrichment stage.
type Options struct {
	BatchSize         int
	RequestsPerMinute int
	RefreshInterval   time.Duration
	// PromptFile, when set, is activated as a new prompt version whenever its
	// content differs from the active template.
	PromptFile string
}

// Processor enriches PASS score records into final news items.
type Processor struct {
	store    Store
	source   AdapterSource
	notifier Notifier
	opts     Options
	limiter  *rate.Limiter
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	adapter     Adapter
	prompt      *Prompt
	nextRefresh time.Time
	// floor is the highest PASS score_id at or below which every record is enriched.
	floor int64
}

func New(s Store, src AdapterSource, notifier Notifier, opts Options, logger zerolog.Logger) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(opts.RequestsPerMinute) / 60)
	}
	return &Processor{
		store:    s,
		source:   src,
		notifier: notifier,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "enrichment").Logger(),
		now:      time.Now,
	}
}

func (p *Processor) Name() string { return "enrichment" }

// refresh reloads the adapter and the active prompt once the refresh interval
// has passed. A failed reload keeps the previous pair when there is one.
func (p *Processor) refresh(ctx context.Context) (Adapter, *Prompt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.adapter != nil && p.prompt != nil && p.now().Before(p.nextRefresh) {
		return p.adapter, p.prompt, nil
	}

	adapter, err := p.source(ctx)
	if err == nil {
		var prompt *Prompt
		prompt, err = p.loadPrompt(ctx)
		if err == nil {
			if p.adapter == nil || p.adapter.Provider() != adapter.Provider() || p.adapter.Model() != adapter.Model() {
				p.logger.Info().Str("provider", adapter.Provider()).Str("model", adapter.Model()).Msg("adapter configured")
			}
			if p.prompt == nil || p.prompt.Version != prompt.Version {
				p.logger.Info().Int("prompt_version", prompt.Version).Msg("prompt loaded")
			}
			p.adapter, p.prompt = adapter, prompt
		}
	}
	p.nextRefresh = p.now().Add(p.opts.RefreshInterval)

	if err != nil {
		if p.adapter == nil || p.prompt == nil {
			return nil, nil, err
		}
		p.logger.Warn().Err(err).Msg("refresh failed, keeping previous configuration")
	}
	return p.adapter, p.prompt, nil
}

func (p *Processor) loadPrompt(ctx context.Context) (*Prompt, error) {
	want := ""
	if p.opts.PromptFile != "" {
		data, err := os.ReadFile(p.opts.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		want = string(data)
	}

	active, err := p.store.ActivePrompt(ctx, PromptStage)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if want == "" {
			want = DefaultPrompt
		}
	case err != nil:
		return nil, err
	case want != "" && want == active.Template:
		want = ""
	}

	if want != "" {
		// Validate before it becomes the active version.
		if _, err := ParsePrompt(0, want); err != nil {
			return nil, err
		}
		if active, err = p.store.ActivatePrompt(ctx, PromptStage, want); err != nil {
			return nil, err
		}
	}
	return ParsePrompt(active.Version, active.Template)
}

// pending returns up to BatchSize PASS records with no final item.
func (p *Processor) pending(ctx context.Context) ([]store.ScoreRecord, error) {
	done, err := p.store.EnrichedScoreIDs(ctx, p.floor)
	if err != nil {
		return nil, err
	}

	var out []store.ScoreRecord
	after, contiguous := p.floor, true
	pageSize := p.opts.BatchSize * 4
	for len(out) < p.opts.BatchSize {
		page, err := p.store.PassScoresAfter(ctx, after, pageSize)
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			after = s.ScoreID
			if done[s.ScoreID] {
				if contiguous {
					p.floor = s.ScoreID
				}
				continue
			}
			contiguous = false
			out = append(out, s)
			if len(out) == p.opts.BatchSize {
				break
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

// RunBatch enriches one batch and returns how many items were written.
func (p *Processor) RunBatch(ctx context.Context) (int, error) {
	rows, err := p.pending(ctx)
	if err != nil {
		if store.IsNoWork(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	adapter, prompt, err := p.refresh(ctx)
	if err != nil {
		return 0, fmt.Errorf("configure enrichment: %w", err)
	}

	written := 0
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		rec := &rows[i]
		item, err := p.enrich(ctx, adapter, prompt, rec)
		if err != nil {
			if store.IsFatal(err) {
				return written, err
			}
			p.logger.Error().Err(err).Int64("score_id", rec.ScoreID).Int64("raw_id", rec.RawID).Msg("enrichment failed, will retry")
			continue
		}
		if item == nil {
			continue
		}
		written++
		p.logger.Info().Int64("score_id", rec.ScoreID).Int64("news_id", item.NewsID).
			Str("company", item.CompanyName).Str("category", item.CategoryCode).Msg("enriched")

		if p.notifier != nil {
			if err := p.notifier.Broadcast(ctx, alert.FromNews(item, rec.FinalScore)); err != nil {
				p.logger.Warn().Err(err).Int64("news_id", item.NewsID).Msg("notify failed")
			}
		}
	}
	return written, nil
}

func (p *Processor) enrich(ctx context.Context, adapter Adapter, prompt *Prompt, rec *store.ScoreRecord) (*store.EnrichedNewsItem, error) {
	raw, err := p.store.GetRaw(ctx, rec.RawID)
	if errors.Is(err, sql.ErrNoRows) {
		// Swept by retention before it could be enriched.
		p.logger.Warn().Int64("score_id", rec.ScoreID).Int64("raw_id", rec.RawID).Msg("raw row gone, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rendered, err := prompt.Render(PromptData{Text: raw.CombinedText, Source: raw.SourceHandle, ReceivedAt: raw.ReceivedAt})
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	started := p.now()
	analysis, err := adapter.Analyze(ctx, Request{Prompt: rendered, Text: raw.CombinedText, Source: raw.SourceHandle})
	if err != nil {
		return nil, fmt.Errorf("analyze with %s: %w", adapter.Provider(), err)
	}
	latency := p.now().Sub(started)

	fillFallbacks(analysis, raw.CombinedText)

	if err := p.store.SaveAnalysis(ctx, &store.AnalysisRecord{
		ScoreID:       rec.ScoreID,
		RawID:         rec.RawID,
		Provider:      adapter.Provider(),
		Model:         adapter.Model(),
		PromptVersion: prompt.Version,
		Response:      string(analysis.Raw),
		LatencyMS:     latency.Milliseconds(),
		CreatedAt:     p.now().UTC(),
	}); err != nil {
		return nil, err
	}

	item := &store.EnrichedNewsItem{
		ScoreID:      rec.ScoreID,
		RawID:        rec.RawID,
		CategoryCode: analysis.CategoryCode,
		SubTypeCode:  analysis.SubTypeCode,
		CompanyName:  analysis.CompanyName,
		Ticker:       analysis.Ticker,
		Exchange:     analysis.Exchange,
		CountryCode:  analysis.CountryCode,
		Headline:     analysis.Headline,
		Summary:      analysis.Summary,
		Sentiment:    analysis.Sentiment,
		LanguageCode: analysis.LanguageCode,
		URL:          analysis.URL,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.UpsertEnriched(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// fillFallbacks fills fields the adapter left empty from the message text.
func fillFallbacks(a *Analysis, text string) {
	if a.LanguageCode == "" {
		a.LanguageCode = DetectLanguage(text)
	}
	if a.URL == "" {
		if urls := source.ExtractURLs(text); len(urls) > 0 {
			a.URL = urls[0]
		}
	}
	if strings.TrimSpace(a.Summary) == "" {
		a.Summary = a.Headline
	}
}
