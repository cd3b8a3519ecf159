package dedup

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsradar/internal/store"
)

func TestJaccard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "a b c", b: "c b a", want: 1},
		{name: "disjoint", a: "a b", b: "c d", want: 0},
		{name: "half", a: "a b c", b: "b c d", want: 0.5},
		{name: "empty both", a: "", b: "", want: 0},
		{name: "empty one", a: "a", b: "", want: 0},
		{name: "repeated tokens are a set", a: "a a b", b: "a b", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jaccard(Tokens(tt.a), Tokens(tt.b)); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestContentHashIncludesFileID(t *testing.T) {
	t.Parallel()

	a := ContentHash("same text", "")
	if a != ContentHash("same text", "") {
		t.Fatal("hash is not deterministic")
	}
	if a == ContentHash("same text", "file-1") {
		t.Fatal("file id should change the hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

type harness struct {
	b   *store.Broker
	d   *Deduplicator
	now time.Time
	seq int64
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	b, err := store.NewBroker(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	t.Cleanup(func() { _ = b.CloseAll() })
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &harness{b: b, d: New(b, opts, zerolog.Nop()), now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (h *harness) insert(t *testing.T, text, fileID string, at time.Time) int64 {
	t.Helper()
	h.seq++
	r := &store.RawMessage{ListingID: h.seq, ChatID: 1, MsgID: h.seq, NormalizedText: text, FileID: fileID, ReceivedAt: at}
	if err := h.b.InsertRaw(context.Background(), r); err != nil {
		t.Fatalf("insert raw: %v", err)
	}
	return r.RawID
}

func (h *harness) get(t *testing.T, id int64) *store.RawMessage {
	t.Helper()
	r, err := h.b.GetRaw(context.Background(), id)
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	return r
}

func TestExactDuplicateWithinWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	ctx := context.Background()

	first := h.insert(t, "reliance industries reports 20 growth", "", h.now)
	second := h.insert(t, "reliance industries reports 20 growth", "", h.now.Add(time.Hour))

	n, err := h.d.RunBatch(ctx)
	if err != nil || n != 2 {
		t.Fatalf("run batch: n=%d err=%v", n, err)
	}

	r1 := h.get(t, first)
	if r1.IsDuplicate || r1.DedupedAt == nil || r1.ContentHash == "" {
		t.Fatalf("first row should be an original: %+v", r1)
	}
	r2 := h.get(t, second)
	if !r2.IsDuplicate || r2.DuplicateOfRawID == nil || *r2.DuplicateOfRawID != first {
		t.Fatalf("second row should duplicate the first: %+v", r2)
	}

	pending, err := h.b.PendingScoring(ctx, 10)
	if err != nil {
		t.Fatalf("pending scoring: %v", err)
	}
	if len(pending) != 1 || pending[0].RawID != first {
		t.Fatalf("only the original should reach scoring, got %d rows", len(pending))
	}
}

func TestExactDuplicateOutsideWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Lookback: 24 * time.Hour})
	ctx := context.Background()

	h.insert(t, "same words here", "", h.now)
	if _, err := h.d.RunBatch(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	late := h.insert(t, "same words here", "", h.now.Add(48*time.Hour))
	if _, err := h.d.RunBatch(ctx); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if h.get(t, late).IsDuplicate {
		t.Fatal("row outside the lookback window should not be a duplicate")
	}
}

func TestDifferentMediaIsNotExactDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.insert(t, "", "photo-a", h.now)
	b := h.insert(t, "", "photo-b", h.now)
	if _, err := h.d.RunBatch(context.Background()); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if h.get(t, b).IsDuplicate {
		t.Fatal("empty text with different media should not be a duplicate")
	}
}

// words returns n distinct tokens starting at offset.
func words(offset, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", offset+i)
	}
	return strings.Join(parts, " ")
}

func TestNearDuplicateThreshold(t *testing.T) {
	t.Parallel()

	base := words(0, 20)
	tests := []struct {
		name  string
		other string
		dup   bool
	}{
		// 18 shared of 20 union = 0.90.
		{name: "at threshold", other: words(0, 18), dup: true},
		// 17 shared of 20 union = 0.85.
		{name: "below threshold", other: words(0, 17), dup: false},
		{name: "identical tokens reordered with extra spaces", other: "  " + strings.Join(strings.Fields(base), "   "), dup: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Options{})
			first := h.insert(t, base, "", h.now)
			second := h.insert(t, tt.other, "img", h.now.Add(time.Minute))
			if _, err := h.d.RunBatch(context.Background()); err != nil {
				t.Fatalf("run batch: %v", err)
			}

			r := h.get(t, second)
			if r.IsDuplicate != tt.dup {
				t.Fatalf("is_duplicate = %v, want %v", r.IsDuplicate, tt.dup)
			}
			if tt.dup && *r.DuplicateOfRawID != first {
				t.Fatalf("duplicate_of = %d, want %d", *r.DuplicateOfRawID, first)
			}
			if h.get(t, first).IsDuplicate {
				t.Fatal("earlier row must never be marked duplicate of a later one")
			}
		})
	}
}

func TestNearDuplicateAcrossBatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{BatchSize: 1})
	ctx := context.Background()

	first := h.insert(t, words(0, 10), "", h.now)
	if _, err := h.d.RunBatch(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	second := h.insert(t, words(0, 10)+" extra", "", h.now.Add(time.Minute))
	if _, err := h.d.RunBatch(ctx); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	r := h.get(t, second)
	if !r.IsDuplicate || *r.DuplicateOfRawID != first {
		t.Fatalf("expected near duplicate of %d, got %+v", first, r)
	}
}

func TestRunBatchBeforeInitIsNoWork(t *testing.T) {
	t.Parallel()

	b, err := store.NewBroker(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	defer b.CloseAll()

	n, err := New(b, Options{}, zerolog.Nop()).RunBatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected no work, got n=%d err=%v", n, err)
	}
}
