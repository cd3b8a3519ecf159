package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// ActivePrompt returns the active prompt template of a stage. It returns
// sql.ErrNoRows (wrapped) when none is active.
func (b *Broker) ActivePrompt(ctx context.Context, stage string) (*PromptTemplate, error) {
	var p PromptTemplate
	err := b.Get(ctx, AI, &p, `
		SELECT prompt_id, stage, version, template, is_active, updated_at
		FROM prompt_templates
		WHERE stage = ? AND is_active = 1
		ORDER BY version DESC
		LIMIT 1
	`, stage)
	if err != nil {
		return nil, fmt.Errorf("active prompt %s: %w", stage, err)
	}
	return &p, nil
}

// ActivatePrompt stores template as the next version of stage and makes it the
// only active one.
func (b *Broker) ActivatePrompt(ctx context.Context, stage, template string) (*PromptTemplate, error) {
	p := &PromptTemplate{Stage: stage, Template: template, IsActive: true, UpdatedAt: b.now().UTC()}
	err := b.Tx(ctx, AI, func(tx *sqlx.Tx) error {
		var current sql.NullInt64
		if err := tx.GetContext(ctx, &current, "SELECT MAX(version) FROM prompt_templates WHERE stage = ?", stage); err != nil {
			return err
		}
		p.Version = int(current.Int64) + 1

		if _, err := tx.ExecContext(ctx, "UPDATE prompt_templates SET is_active = 0 WHERE stage = ?", stage); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_templates (stage, version, template, is_active, updated_at)
			VALUES (?, ?, ?, 1, ?)
		`, p.Stage, p.Version, p.Template, p.UpdatedAt)
		if err != nil {
			return err
		}
		p.PromptID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate prompt %s: %w", stage, err)
	}
	return p, nil
}

// SaveAnalysis records an adapter exchange, replacing an earlier one for the same score.
func (b *Broker) SaveAnalysis(ctx context.Context, a *AnalysisRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = b.now().UTC()
	}
	_, err := b.Exec(ctx, AI, `
		INSERT INTO ai_analyses (score_id, raw_id, provider, model, prompt_version, response, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(score_id) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			prompt_version = excluded.prompt_version,
			response = excluded.response,
			latency_ms = excluded.latency_ms,
			created_at = excluded.created_at
	`, a.ScoreID, a.RawID, a.Provider, a.Model, a.PromptVersion, a.Response, a.LatencyMS, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save analysis for score %d: %w", a.ScoreID, err)
	}
	return nil
}

// UpsertEnriched writes the final item keyed by score id.
func (b *Broker) UpsertEnriched(ctx context.Context, n *EnrichedNewsItem) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = b.now().UTC()
	}
	_, err := b.Exec(ctx, Final, `
		INSERT INTO enriched_news
			(score_id, raw_id, category_code, sub_type_code, company_name, ticker, exchange,
			 country_code, headline, summary, sentiment, language_code, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(score_id) DO UPDATE SET
			category_code = excluded.category_code,
			sub_type_code = excluded.sub_type_code,
			company_name = excluded.company_name,
			ticker = excluded.ticker,
			exchange = excluded.exchange,
			country_code = excluded.country_code,
			headline = excluded.headline,
			summary = excluded.summary,
			sentiment = excluded.sentiment,
			language_code = excluded.language_code,
			url = excluded.url
	`, n.ScoreID, n.RawID, n.CategoryCode, n.SubTypeCode, n.CompanyName, n.Ticker, n.Exchange,
		n.CountryCode, n.Headline, n.Summary, n.Sentiment, n.LanguageCode, n.URL, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert enriched for score %d: %w", n.ScoreID, err)
	}

	if err := b.Get(ctx, Final, &n.NewsID, "SELECT news_id FROM enriched_news WHERE score_id = ?", n.ScoreID); err != nil {
		return fmt.Errorf("load news id for score %d: %w", n.ScoreID, err)
	}
	return nil
}

// EnrichedScoreIDs returns the score ids that already have a final item, among
// ids greater than afterID.
func (b *Broker) EnrichedScoreIDs(ctx context.Context, afterID int64) (map[int64]bool, error) {
	var ids []int64
	if err := b.Select(ctx, Final, &ids, "SELECT score_id FROM enriched_news WHERE score_id > ?", afterID); err != nil {
		return nil, fmt.Errorf("enriched score ids: %w", err)
	}
	done := make(map[int64]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	return done, nil
}

// NewsListOpts controls enriched item listing.
type NewsListOpts struct {
	Since  time.Time
	Ticker string
	Limit  int
}

// ListEnriched returns final items, newest first.
func (b *Broker) ListEnriched(ctx context.Context, opts NewsListOpts) ([]EnrichedNewsItem, error) {
	q := sq.Select("*").From("enriched_news").OrderBy("news_id DESC")
	if !opts.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": opts.Since.UTC()})
	}
	if opts.Ticker != "" {
		q = q.Where(sq.Eq{"ticker": opts.Ticker})
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query, args, err := q.Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build news query: %w", err)
	}

	var items []EnrichedNewsItem
	if err := b.Select(ctx, Final, &items, query, args...); err != nil {
		if errors.Is(err, ErrSchemaMissing) {
			return nil, nil
		}
		return nil, fmt.Errorf("list enriched: %w", err)
	}
	return items, nil
}
