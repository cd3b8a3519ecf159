package score

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

// Component caps.
const (
	maxStructural = 35
	minKeyword    = -20
	maxKeyword    = 35
	maxSource     = 5
	maxContent    = 25

	perCategory = 10
	spamPenalty = -20
)

// DefaultThreshold is the minimum final score for a PASS decision.
const DefaultThreshold = 25

// Breakdown is the scored result of one message.
type Breakdown struct {
	Structural int
	Keyword    int
	Source     int
	Content    int
	Final      int
	Decision   store.Decision
	Categories []string
}

// Scorer computes relevance scores. It is pure: the same input always yields
// the same breakdown.
type Scorer struct {
	keywords  *Keywords
	trusted   []string
	threshold int
}

// NewScorer builds a scorer. threshold < 0 selects the default.
func NewScorer(keywords *Keywords, trustedSources []string, threshold int) *Scorer {
	if keywords == nil {
		keywords = NewKeywords(nil, nil)
	}
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{
		keywords:  keywords,
		trusted:   lowerAll(trustedSources),
		threshold: threshold,
	}
}

// Score rates a Raw row.
func (s *Scorer) Score(r *store.RawMessage) Breakdown {
	b := Breakdown{
		Structural: structuralScore(r.CombinedText, r.LinkText),
		Source:     s.sourceScore(r.SourceHandle),
		Content:    contentScore(r),
	}
	b.Keyword, b.Categories = s.keywordScore(r.CombinedText)

	b.Final = clamp(b.Structural+b.Keyword+b.Source+b.Content, 0, 100)
	b.Decision = store.DecisionDrop
	if b.Final >= s.threshold {
		b.Decision = store.DecisionPass
	}
	return b
}

func structuralScore(combined, linkText string) int {
	score := 0
	switch n := len([]rune(combined)); {
	case n > 200:
		score += 20
	case n > 100:
		score += 10
	}
	if len([]rune(strings.TrimSpace(linkText))) > 10 {
		score += 10
	}
	if strings.IndexFunc(combined, unicode.IsDigit) >= 0 {
		score += 5
	}
	return clamp(score, 0, maxStructural)
}

func (s *Scorer) keywordScore(text string) (int, []string) {
	cats := s.keywords.Categories(text)
	score := clamp(len(cats)*perCategory, 0, maxKeyword)
	if s.keywords.IsSpam(text) {
		score += spamPenalty
	}
	return clamp(score, minKeyword, maxKeyword), cats
}

func (s *Scorer) sourceScore(handle string) int {
	lower := strings.ToLower(handle)
	if lower == "" {
		return 0
	}
	for _, t := range s.trusted {
		if t != "" && strings.Contains(lower, t) {
			return maxSource
		}
	}
	return 0
}

func contentScore(r *store.RawMessage) int {
	hasText := strings.TrimSpace(r.TelegramText) != "" || strings.TrimSpace(r.CaptionText) != ""
	hasLink := strings.TrimSpace(r.LinkText) != ""
	hasOCR := strings.TrimSpace(r.ImageOCRText) != ""
	switch {
	case hasText && hasLink:
		return maxContent
	case hasText:
		return 20
	case hasOCR:
		return 15
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Store is the storage the scoring stage works against.
type Store interface {
	PendingScoring(ctx context.Context, limit int) ([]store.RawMessage, error)
	InsertScore(ctx context.Context, s *store.ScoreRecord) error
	MarkScored(ctx context.Context, id int64) error
}

// Stage scores deduplicated rows and persists the results.
type Stage struct {
	store     Store
	scorer    *Scorer
	batchSize int
	logger    zerolog.Logger
	now       func() time.Time
}

func NewStage(s Store, scorer *Scorer, batchSize int, logger zerolog.Logger) *Stage {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Stage{
		store:     s,
		scorer:    scorer,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "scorer").Logger(),
		now:       time.Now,
	}
}

func (st *Stage) Name() string { return "scorer" }

// RunBatch scores one batch. A row is flagged scored only after its record is stored.
func (st *Stage) RunBatch(ctx context.Context) (int, error) {
	rows, err := st.store.PendingScoring(ctx, st.batchSize)
	if err != nil {
		if store.IsNoWork(err) {
			return 0, nil
		}
		return 0, err
	}

	done := 0
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		row := &rows[i]
		b := st.scorer.Score(row)
		rec := &store.ScoreRecord{
			RawID:           row.RawID,
			FinalScore:      b.Final,
			StructuralScore: b.Structural,
			KeywordScore:    b.Keyword,
			SourceScore:     b.Source,
			ContentScore:    b.Content,
			Decision:        b.Decision,
			ScoredAt:        st.now().UTC(),
		}
		if err := st.store.InsertScore(ctx, rec); err != nil {
			if store.IsFatal(err) {
				return done, err
			}
			st.logger.Error().Err(err).Int64("raw_id", row.RawID).Msg("store score failed, will retry")
			continue
		}
		if err := st.store.MarkScored(ctx, row.RawID); err != nil {
			if store.IsFatal(err) {
				return done, err
			}
			st.logger.Error().Err(err).Int64("raw_id", row.RawID).Msg("mark scored failed, will retry")
			continue
		}
		done++
		st.logger.Info().Int64("raw_id", row.RawID).Int64("score_id", rec.ScoreID).Int("score", b.Final).
			Str("decision", string(b.Decision)).Strs("categories", b.Categories).Msg("scored")
	}
	return done, nil
}
