package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

// Store is the storage the deduplicator works against.
type Store interface {
	PendingDedup(ctx context.Context, limit int) ([]store.RawMessage, error)
	FindHashMatch(ctx context.Context, hash string, beforeID int64, since time.Time) (int64, bool, error)
	DedupCandidates(ctx context.Context, since time.Time, limit int) ([]store.DedupCandidate, error)
	SaveDedupVerdict(ctx context.Context, v store.DedupVerdict) (bool, error)
}

// Options tunes duplicate detection.
type Options struct {
	BatchSize     int
	Lookback      time.Duration
	Threshold     float64
	MaxCandidates int
}

// Deduplicator marks Raw rows as duplicates of earlier rows.
type Deduplicator struct {
	store  Store
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func New(s Store, opts Options, logger zerolog.Logger) *Deduplicator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.90
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 200
	}
	return &Deduplicator{
		store:  s,
		opts:   opts,
		logger: logger.With().Str("component", "dedup").Logger(),
		now:    time.Now,
	}
}

func (d *Deduplicator) Name() string { return "dedup" }

// ContentHash is the hex sha256 of normalized text followed by the media id.
func ContentHash(normalizedText, fileID string) string {
	sum := sha256.Sum256([]byte(normalizedText + fileID))
	return hex.EncodeToString(sum[:])
}

// Tokens splits on whitespace into a set.
func Tokens(text string) map[string]struct{} {
	fields := strings.Fields(text)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

type candidate struct {
	rawID      int64
	receivedAt time.Time
	tokens     map[string]struct{}
}

// RunBatch decides one batch of pending rows and returns how many verdicts
// were written.
func (d *Deduplicator) RunBatch(ctx context.Context) (int, error) {
	rows, err := d.store.PendingDedup(ctx, d.opts.BatchSize)
	if err != nil {
		if store.IsNoWork(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Candidates are loaded once for the whole batch, from the oldest row's window.
	earliest := rows[0].ReceivedAt
	for _, r := range rows[1:] {
		if r.ReceivedAt.Before(earliest) {
			earliest = r.ReceivedAt
		}
	}
	loaded, err := d.store.DedupCandidates(ctx, earliest.Add(-d.opts.Lookback), d.opts.MaxCandidates)
	if err != nil && !store.IsNoWork(err) {
		return 0, err
	}
	pool := make([]candidate, 0, len(loaded)+len(rows))
	for _, c := range loaded {
		pool = append(pool, candidate{rawID: c.RawID, receivedAt: c.ReceivedAt, tokens: Tokens(c.NormalizedText)})
	}

	written := 0
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		row := &rows[i]
		verdict, err := d.decide(ctx, row, pool)
		if err != nil {
			if store.IsFatal(err) {
				return written, err
			}
			d.logger.Error().Err(err).Int64("raw_id", row.RawID).Msg("dedup failed, will retry")
			continue
		}

		saved, err := d.store.SaveDedupVerdict(ctx, verdict)
		if err != nil {
			if store.IsFatal(err) {
				return written, err
			}
			d.logger.Error().Err(err).Int64("raw_id", row.RawID).Msg("save verdict failed, will retry")
			continue
		}
		if !saved {
			continue
		}
		written++

		if verdict.IsDuplicate {
			d.logger.Info().Int64("raw_id", row.RawID).Int64("duplicate_of", verdict.DuplicateOf).Msg("duplicate")
			continue
		}
		pool = append(pool, candidate{rawID: row.RawID, receivedAt: row.ReceivedAt, tokens: Tokens(row.NormalizedText)})
	}
	return written, nil
}

func (d *Deduplicator) decide(ctx context.Context, row *store.RawMessage, pool []candidate) (store.DedupVerdict, error) {
	v := store.DedupVerdict{
		RawID:       row.RawID,
		ContentHash: ContentHash(row.NormalizedText, row.FileID),
		DedupedAt:   d.now().UTC(),
	}
	since := row.ReceivedAt.Add(-d.opts.Lookback)

	matchID, found, err := d.store.FindHashMatch(ctx, v.ContentHash, row.RawID, since)
	if err != nil && !store.IsNoWork(err) {
		return v, err
	}
	if found {
		v.IsDuplicate = true
		v.DuplicateOf = matchID
		return v, nil
	}

	tokens := Tokens(row.NormalizedText)
	best, bestID := 0.0, int64(0)
	for _, c := range pool {
		if c.rawID >= row.RawID || c.receivedAt.Before(since) {
			continue
		}
		if sim := Jaccard(tokens, c.tokens); sim > best {
			best, bestID = sim, c.rawID
		}
	}
	if bestID != 0 && best >= d.opts.Threshold {
		v.IsDuplicate = true
		v.DuplicateOf = bestID
	}
	return v, nil
}
