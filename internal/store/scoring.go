package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var scoreColumns = []string{
	"score_id", "raw_id", "final_score", "structural_score", "keyword_score",
	"source_score", "content_score", "decision", "scored_at",
}

// InsertScore writes a score record. A record already present for the raw row
// wins; s.ScoreID is set to whichever record is stored.
func (b *Broker) InsertScore(ctx context.Context, s *ScoreRecord) error {
	_, err := b.Exec(ctx, Scoring, `
		INSERT INTO score_records
			(raw_id, final_score, structural_score, keyword_score, source_score, content_score, decision, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(raw_id) DO NOTHING
	`, s.RawID, s.FinalScore, s.StructuralScore, s.KeywordScore, s.SourceScore, s.ContentScore,
		string(s.Decision), s.ScoredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert score for raw %d: %w", s.RawID, err)
	}

	if err := b.Get(ctx, Scoring, &s.ScoreID, "SELECT score_id FROM score_records WHERE raw_id = ?", s.RawID); err != nil {
		return fmt.Errorf("load score id for raw %d: %w", s.RawID, err)
	}
	return nil
}

// ScoreForRaw loads the score record of a raw row.
func (b *Broker) ScoreForRaw(ctx context.Context, rawID int64) (*ScoreRecord, error) {
	query, args, err := sq.Select(scoreColumns...).From("score_records").Where(sq.Eq{"raw_id": rawID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build score query: %w", err)
	}

	var s ScoreRecord
	if err := b.Get(ctx, Scoring, &s, query, args...); err != nil {
		return nil, fmt.Errorf("score for raw %d: %w", rawID, err)
	}
	return &s, nil
}

// PassScoresAfter pages PASS records by ascending score_id.
func (b *Broker) PassScoresAfter(ctx context.Context, afterID int64, limit int) ([]ScoreRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select(scoreColumns...).
		From("score_records").
		Where(sq.And{sq.Eq{"decision": string(DecisionPass)}, sq.Gt{"score_id": afterID}}).
		OrderBy("score_id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pass scores query: %w", err)
	}

	var rows []ScoreRecord
	if err := b.Select(ctx, Scoring, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pass scores: %w", err)
	}
	return rows, nil
}
