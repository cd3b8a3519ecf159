package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestInsertListingIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)

	m := &ListingMessage{
		ChatID:       -100123,
		MsgID:        42,
		SourceHandle: "@marketnews",
		MessageText:  "Reliance board meeting today",
		URLs:         []string{"https://example.com/a"},
	}
	inserted, err := b.InsertListing(ctx, m)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted || m.ListingID == 0 {
		t.Fatalf("expected first insert to create a row, got inserted=%v id=%d", inserted, m.ListingID)
	}

	again := &ListingMessage{ChatID: -100123, MsgID: 42, MessageText: "edited text"}
	inserted, err = b.InsertListing(ctx, again)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if inserted {
		t.Fatal("re-delivery should not create a row")
	}

	n, err := b.CountListings(ctx, -100123, 42)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}

	got, err := b.GetListing(ctx, m.ListingID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MessageText != "Reliance board meeting today" {
		t.Fatalf("existing row was modified: %q", got.MessageText)
	}
	if len(got.URLs) != 1 || got.URLs[0] != "https://example.com/a" {
		t.Fatalf("unexpected urls %v", got.URLs)
	}
	if got.MediaType != MediaNone {
		t.Fatalf("unexpected media type %q", got.MediaType)
	}
}

func TestPendingListingsAndMarkExtracted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)
	base := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		m := &ListingMessage{ChatID: 1, MsgID: i, MessageText: "msg", ReceivedAt: base.Add(time.Duration(-i) * time.Minute)}
		if _, err := b.InsertListing(ctx, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	pending, err := b.PendingListings(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].MsgID != 3 {
		t.Fatalf("expected oldest first, got msg %d", pending[0].MsgID)
	}

	if err := b.MarkExtracted(ctx, pending[0].ListingID, base); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pending, err = b.PendingListings(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending after mark, got %d", len(pending))
	}
}

func TestDedupVerdictIsWrittenOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)
	now := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

	r := &RawMessage{ListingID: 1, ChatID: 1, MsgID: 1, NormalizedText: "hello world", ReceivedAt: now}
	if err := b.InsertRaw(ctx, r); err != nil {
		t.Fatalf("insert raw: %v", err)
	}

	ok, err := b.SaveDedupVerdict(ctx, DedupVerdict{RawID: r.RawID, ContentHash: "abc", DedupedAt: now})
	if err != nil || !ok {
		t.Fatalf("first verdict: ok=%v err=%v", ok, err)
	}
	ok, err = b.SaveDedupVerdict(ctx, DedupVerdict{RawID: r.RawID, ContentHash: "xyz", IsDuplicate: true, DuplicateOf: 9, DedupedAt: now})
	if err != nil {
		t.Fatalf("second verdict: %v", err)
	}
	if ok {
		t.Fatal("second verdict should be ignored")
	}

	got, err := b.GetRaw(ctx, r.RawID)
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if got.ContentHash != "abc" || got.IsDuplicate || got.DuplicateOfRawID != nil || got.DedupedAt == nil {
		t.Fatalf("unexpected verdict state %+v", got)
	}

	id, found, err := b.FindHashMatch(ctx, "abc", r.RawID+1, now.Add(-time.Hour))
	if err != nil || !found || id != r.RawID {
		t.Fatalf("hash match: id=%d found=%v err=%v", id, found, err)
	}
	if _, found, _ := b.FindHashMatch(ctx, "abc", r.RawID+1, now.Add(time.Hour)); found {
		t.Fatal("hash match outside the window should not be found")
	}

	scoring, err := b.PendingScoring(ctx, 10)
	if err != nil {
		t.Fatalf("pending scoring: %v", err)
	}
	if len(scoring) != 1 {
		t.Fatalf("expected 1 row pending scoring, got %d", len(scoring))
	}
}

func TestInsertScoreKeepsFirstRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)
	now := time.Now().UTC()

	first := &ScoreRecord{RawID: 5, FinalScore: 55, Decision: DecisionPass, ScoredAt: now}
	if err := b.InsertScore(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := &ScoreRecord{RawID: 5, FinalScore: 10, Decision: DecisionDrop, ScoredAt: now}
	if err := b.InsertScore(ctx, second); err != nil {
		t.Fatalf("insert again: %v", err)
	}
	if second.ScoreID != first.ScoreID {
		t.Fatalf("expected existing score id %d, got %d", first.ScoreID, second.ScoreID)
	}

	got, err := b.ScoreForRaw(ctx, 5)
	if err != nil {
		t.Fatalf("score for raw: %v", err)
	}
	if got.FinalScore != 55 || got.Decision != DecisionPass {
		t.Fatalf("score record was overwritten: %+v", got)
	}

	pass, err := b.PassScoresAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("pass scores: %v", err)
	}
	if len(pass) != 1 {
		t.Fatalf("expected 1 pass score, got %d", len(pass))
	}
}

func TestPromptActivation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)

	if _, err := b.ActivePrompt(ctx, "enrich"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}

	if _, err := b.ActivatePrompt(ctx, "enrich", "v1 {{.Text}}"); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	p2, err := b.ActivatePrompt(ctx, "enrich", "v2 {{.Text}}")
	if err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	if p2.Version != 2 {
		t.Fatalf("expected version 2, got %d", p2.Version)
	}

	active, err := b.ActivePrompt(ctx, "enrich")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.Version != 2 || active.Template != "v2 {{.Text}}" {
		t.Fatalf("unexpected active prompt %+v", active)
	}

	var n int
	if err := b.Get(ctx, AI, &n, "SELECT COUNT(*) FROM prompt_templates WHERE is_active = 1"); err != nil {
		t.Fatalf("count active: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one active prompt, got %d", n)
	}
}

func TestUpsertEnrichedAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)

	item := &EnrichedNewsItem{ScoreID: 1, RawID: 1, Ticker: "RELIANCE", Headline: "first"}
	if err := b.UpsertEnriched(ctx, item); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id := item.NewsID

	item.Headline = "second"
	if err := b.UpsertEnriched(ctx, item); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if item.NewsID != id {
		t.Fatalf("news id changed from %d to %d", id, item.NewsID)
	}

	other := &EnrichedNewsItem{ScoreID: 2, RawID: 2, Ticker: "TCS", Headline: "tcs"}
	if err := b.UpsertEnriched(ctx, other); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	items, err := b.ListEnriched(ctx, NewsListOpts{Ticker: "RELIANCE"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Headline != "second" {
		t.Fatalf("unexpected items %+v", items)
	}

	done, err := b.EnrichedScoreIDs(ctx, 0)
	if err != nil {
		t.Fatalf("enriched ids: %v", err)
	}
	if !done[1] || !done[2] || len(done) != 2 {
		t.Fatalf("unexpected enriched ids %v", done)
	}
}

func TestRetentionSweepCoversEveryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBroker(t, WithClock(func() time.Time { return now }))

	old := now.Add(-72 * time.Hour)
	fresh := now.Add(-time.Hour)

	for i, at := range []time.Time{old, fresh} {
		id := int64(i + 1)
		if _, err := b.InsertListing(ctx, &ListingMessage{ChatID: 1, MsgID: id, ReceivedAt: at}); err != nil {
			t.Fatalf("listing: %v", err)
		}
		if err := b.InsertRaw(ctx, &RawMessage{ListingID: id, ChatID: 1, MsgID: id, ReceivedAt: at}); err != nil {
			t.Fatalf("raw: %v", err)
		}
		if err := b.InsertScore(ctx, &ScoreRecord{RawID: id, Decision: DecisionPass, ScoredAt: at}); err != nil {
			t.Fatalf("score: %v", err)
		}
		if err := b.SaveAnalysis(ctx, &AnalysisRecord{ScoreID: id, RawID: id, CreatedAt: at}); err != nil {
			t.Fatalf("analysis: %v", err)
		}
		if err := b.UpsertEnriched(ctx, &EnrichedNewsItem{ScoreID: id, RawID: id, CreatedAt: at}); err != nil {
			t.Fatalf("enriched: %v", err)
		}
	}

	removed, err := b.RunRetentionSweep(ctx, 48)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, n := range Names() {
		if removed[n] != 1 {
			t.Errorf("store %s: expected 1 row removed, got %d", n, removed[n])
		}
	}

	stats, err := b.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if stats.Listings != 1 || stats.Raw != 1 || stats.Passed != 1 || stats.Enriched != 1 {
		t.Fatalf("unexpected stats after sweep %+v", stats)
	}

	if _, err := b.RunRetentionSweep(ctx, 0); err == nil {
		t.Fatal("expected error for non-positive retention")
	}
}

func TestRetentionSweepSkipsUninitializedStores(t *testing.T) {
	t.Parallel()

	b, err := NewBroker(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.CloseAll()

	removed, err := b.RunRetentionSweep(context.Background(), 24)
	if err != nil {
		t.Fatalf("sweep on empty stores: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed, got %v", removed)
	}
}
