package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

type retentionTarget struct {
	store  Name
	table  string
	column string
}

// Every store is swept by its own timestamp column.
var retentionTargets = []retentionTarget{
	{Listing, "listing_messages", "received_at"},
	{Raw, "raw_messages", "received_at"},
	{Scoring, "score_records", "scored_at"},
	{AI, "ai_analyses", "created_at"},
	{Final, "enriched_news", "created_at"},
}

// RunRetentionSweep deletes rows older than now-hours from every store and
// returns the number of rows removed per store. A store that fails does not
// stop the sweep of the others.
func (b *Broker) RunRetentionSweep(ctx context.Context, hours int) (map[Name]int64, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("retention hours must be positive, got %d", hours)
	}
	cutoff := b.now().UTC().Add(-time.Duration(hours) * time.Hour)

	removed := make(map[Name]int64, len(retentionTargets))
	var errs []error
	for _, t := range retentionTargets {
		query, args, err := sq.Delete(t.table).Where(sq.Lt{t.column: cutoff}).ToSql()
		if err != nil {
			errs = append(errs, fmt.Errorf("build sweep %s: %w", t.store, err))
			continue
		}

		res, err := b.Exec(ctx, t.store, query, args...)
		if err != nil {
			if IsNoWork(err) || errors.Is(err, ErrReadOnly) {
				continue
			}
			errs = append(errs, fmt.Errorf("sweep %s: %w", t.store, err))
			continue
		}
		removed[t.store], _ = res.RowsAffected()
	}
	return removed, errors.Join(errs...)
}

// Stats summarizes backlog and output per stage.
type Stats struct {
	Listings       int    `json:"listings"`
	PendingExtract int    `json:"pending_extract"`
	Raw            int    `json:"raw"`
	PendingDedup   int    `json:"pending_dedup"`
	Duplicates     int    `json:"duplicates"`
	PendingScoring int    `json:"pending_scoring"`
	Passed         int    `json:"passed"`
	Dropped        int    `json:"dropped"`
	Enriched       int    `json:"enriched"`
	ReadOnlyStores []Name `json:"read_only_stores,omitempty"`
}

// Counts gathers Stats. Stores without a schema count as empty.
func (b *Broker) Counts(ctx context.Context) (Stats, error) {
	var s Stats
	counters := []struct {
		store Name
		dest  *int
		query string
	}{
		{Listing, &s.Listings, "SELECT COUNT(*) FROM listing_messages"},
		{Listing, &s.PendingExtract, "SELECT COUNT(*) FROM listing_messages WHERE is_extracted = 0"},
		{Raw, &s.Raw, "SELECT COUNT(*) FROM raw_messages"},
		{Raw, &s.PendingDedup, "SELECT COUNT(*) FROM raw_messages WHERE deduped_at IS NULL"},
		{Raw, &s.Duplicates, "SELECT COUNT(*) FROM raw_messages WHERE is_duplicate = 1"},
		{Raw, &s.PendingScoring, "SELECT COUNT(*) FROM raw_messages WHERE deduped_at IS NOT NULL AND is_duplicate = 0 AND is_scored = 0"},
		{Scoring, &s.Passed, "SELECT COUNT(*) FROM score_records WHERE decision = 'PASS'"},
		{Scoring, &s.Dropped, "SELECT COUNT(*) FROM score_records WHERE decision = 'DROP'"},
		{Final, &s.Enriched, "SELECT COUNT(*) FROM enriched_news"},
	}

	var errs []error
	for _, c := range counters {
		if err := b.Get(ctx, c.store, c.dest, c.query); err != nil && !IsNoWork(err) {
			errs = append(errs, err)
		}
	}
	for _, n := range Names() {
		if b.ReadOnly(n) {
			s.ReadOnlyStores = append(s.ReadOnlyStores, n)
		}
	}
	return s, errors.Join(errs...)
}
