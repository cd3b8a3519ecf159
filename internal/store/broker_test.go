package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	sqlite3 "modernc.org/sqlite/lib"
)

type codeErr struct {
	code int
	msg  string
}

func (e codeErr) Error() string { return e.msg }
func (e codeErr) Code() int     { return e.code }

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()

	b, err := NewBroker(t.TempDir(), zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.CloseAll() })
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return b
}

func TestClassifyOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		journal bool
		want    error
	}{
		{name: "busy is locked", err: codeErr{sqlite3.SQLITE_BUSY, "database is locked"}, want: ErrLocked},
		{name: "extended busy is locked", err: codeErr{sqlite3.SQLITE_BUSY | (2 << 8), "busy"}, want: ErrLocked},
		{name: "not a database is corrupt", err: codeErr{sqlite3.SQLITE_NOTADB, "file is not a database"}, want: ErrCorrupt},
		{name: "malformed is corrupt", err: codeErr{sqlite3.SQLITE_CORRUPT, "database disk image is malformed"}, want: ErrCorrupt},
		{name: "io error with journal", err: codeErr{sqlite3.SQLITE_IOERR, "disk I/O error"}, journal: true, want: ErrInconsistentLog},
		{name: "missing table with journal", err: codeErr{sqlite3.SQLITE_ERROR, "no such table: t"}, journal: true, want: ErrInconsistentLog},
		{name: "plain missing table with journal", err: errors.New("no such column: x"), journal: true, want: ErrInconsistentLog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyOpen(fmt.Errorf("open: %w", tt.err), tt.journal)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyOpen(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if err := classifyOpen(codeErr{sqlite3.SQLITE_IOERR, "disk I/O error"}, false); isClassified(err) {
		t.Fatalf("io error without journal should stay unclassified, got %v", err)
	}
}

func TestClassifyQuery(t *testing.T) {
	t.Parallel()

	if err := classifyQuery(errors.New("SQL logic error: no such table: raw_messages (1)")); !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("expected schema missing, got %v", err)
	}
	if err := classifyQuery(codeErr{sqlite3.SQLITE_READONLY, "attempt to write a readonly database"}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only, got %v", err)
	}
	if err := classifyQuery(codeErr{sqlite3.SQLITE_LOCKED, "locked"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	plain := errors.New("constraint failed")
	if err := classifyQuery(plain); err != plain {
		t.Fatalf("expected unrelated error untouched, got %v", err)
	}
}

func TestBrokerCreatesOneFilePerStore(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	for _, n := range Names() {
		if _, err := os.Stat(b.Path(n)); err != nil {
			t.Fatalf("store %s file missing: %v", n, err)
		}
		if b.ReadOnly(n) {
			t.Fatalf("store %s unexpectedly read-only", n)
		}
	}
}

func TestBrokerQueryModes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBroker(t)

	err := b.Query(ctx, Final, FetchNone, nil,
		"INSERT INTO enriched_news (score_id, raw_id, headline, created_at) VALUES (?, ?, ?, ?)",
		7, 3, "headline", time.Now().UTC())
	if err != nil {
		t.Fatalf("fetch none: %v", err)
	}

	var headline string
	if err := b.Query(ctx, Final, FetchOne, &headline, "SELECT headline FROM enriched_news WHERE score_id = ?", 7); err != nil {
		t.Fatalf("fetch one: %v", err)
	}
	if headline != "headline" {
		t.Fatalf("unexpected headline %q", headline)
	}

	var ids []int64
	if err := b.Query(ctx, Final, FetchAll, &ids, "SELECT score_id FROM enriched_news"); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestBrokerSchemaMissingIsNoWork(t *testing.T) {
	t.Parallel()

	b, err := NewBroker(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.CloseAll()

	_, err = b.PendingListings(context.Background(), 10)
	if !IsNoWork(err) {
		t.Fatalf("expected no-work error before init, got %v", err)
	}
}

func TestBrokerCorruptFileHalts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := bytes.Repeat([]byte("not a sqlite database "), 256)
	path := filepath.Join(dir, string(Listing)+".db")
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	b, err := NewBroker(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.CloseAll()

	initErr := b.Init(context.Background())
	if !errors.Is(initErr, ErrCorrupt) {
		t.Fatalf("expected corrupt error, got %v", initErr)
	}
	if _, err := b.PendingListings(context.Background(), 1); !IsFatal(err) {
		t.Fatalf("expected halted store to keep failing, got %v", err)
	}

	// Other stores keep working.
	if _, err := b.PendingDedup(context.Background(), 1); err != nil {
		t.Fatalf("raw store should be usable: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read corrupt file: %v", err)
	}
	if !bytes.Equal(data, garbage) {
		t.Fatal("corrupt file was modified")
	}
}

func TestBrokerRecoversInconsistentJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var mu sync.Mutex
	calls := map[string]int{}

	opener := func(path string, readOnly bool) (*sqlx.DB, error) {
		mu.Lock()
		calls[path]++
		n := calls[path]
		mu.Unlock()
		if filepath.Base(path) == "raw.db" && n == 1 {
			return nil, fmt.Errorf("open: %w", codeErr{sqlite3.SQLITE_IOERR, "disk I/O error"})
		}
		return OpenSQLite(path, readOnly)
	}

	wal := filepath.Join(dir, "raw.db-wal")
	if err := os.WriteFile(wal, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	b, err := NewBroker(dir, zerolog.Nop(), WithOpener(opener))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.CloseAll()

	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init should self-heal, got %v", err)
	}
	if calls[filepath.Join(dir, "raw.db")] != 2 {
		t.Fatalf("expected one retry, got %d opens", calls[filepath.Join(dir, "raw.db")])
	}

	r := &RawMessage{ListingID: 1, ChatID: 1, MsgID: 1, ReceivedAt: time.Now()}
	if err := b.InsertRaw(context.Background(), r); err != nil {
		t.Fatalf("insert after recovery: %v", err)
	}
}

func TestBrokerLockedFallsBackToReadOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seed, err := NewBroker(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("seed broker: %v", err)
	}
	if err := seed.Init(context.Background()); err != nil {
		t.Fatalf("seed init: %v", err)
	}
	if err := seed.CloseAll(); err != nil {
		t.Fatalf("seed close: %v", err)
	}

	opener := func(path string, readOnly bool) (*sqlx.DB, error) {
		if filepath.Base(path) == "scoring.db" && !readOnly {
			return nil, codeErr{sqlite3.SQLITE_BUSY, "database is locked"}
		}
		return OpenSQLite(path, readOnly)
	}

	b, err := NewBroker(dir, zerolog.Nop(), WithOpener(opener))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.CloseAll()

	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init with read-only store: %v", err)
	}
	if !b.ReadOnly(Scoring) {
		t.Fatal("scoring store should be read-only")
	}

	if _, err := b.PassScoresAfter(context.Background(), 0, 10); err != nil {
		t.Fatalf("reads should work on read-only store: %v", err)
	}
	err = b.InsertScore(context.Background(), &ScoreRecord{RawID: 1, Decision: DecisionPass, ScoredAt: time.Now()})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only error on write, got %v", err)
	}
}

func TestBrokerReadOnlyStoreRegainsWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seed, err := NewBroker(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("seed broker: %v", err)
	}
	if err := seed.Init(context.Background()); err != nil {
		t.Fatalf("seed init: %v", err)
	}
	if err := seed.CloseAll(); err != nil {
		t.Fatalf("seed close: %v", err)
	}

	var (
		mu      sync.Mutex
		locked  = true
		rwOpens int
		now     = time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	scoringDB := filepath.Join(dir, "scoring.db")
	opener := func(path string, readOnly bool) (*sqlx.DB, error) {
		if path == scoringDB && !readOnly {
			mu.Lock()
			rwOpens++
			busy := locked
			mu.Unlock()
			if busy {
				return nil, codeErr{sqlite3.SQLITE_BUSY, "database is locked"}
			}
		}
		return OpenSQLite(path, readOnly)
	}

	b, err := NewBroker(dir, zerolog.Nop(), WithOpener(opener), WithClock(clock))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.CloseAll()

	ctx := context.Background()
	rec := func() *ScoreRecord {
		return &ScoreRecord{RawID: 1, Decision: DecisionPass, ScoredAt: clock()}
	}

	if _, err := b.PassScoresAfter(ctx, 0, 10); err != nil {
		t.Fatalf("read on degraded store: %v", err)
	}
	if !b.ReadOnly(Scoring) {
		t.Fatal("scoring store should start read-only")
	}
	if err := b.InsertScore(ctx, rec()); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only error while locked, got %v", err)
	}

	mu.Lock()
	locked = false
	opensBefore := rwOpens
	mu.Unlock()

	// Still inside the backoff window: no new read-write attempt.
	if err := b.InsertScore(ctx, rec()); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only error inside backoff, got %v", err)
	}
	mu.Lock()
	if rwOpens != opensBefore {
		t.Fatalf("read-write open retried inside backoff (%d opens)", rwOpens)
	}
	mu.Unlock()

	mu.Lock()
	now = now.Add(writableRetry + time.Second)
	mu.Unlock()
	if err := b.InsertScore(ctx, rec()); err != nil {
		t.Fatalf("write after lock released: %v", err)
	}
	if b.ReadOnly(Scoring) {
		t.Fatal("scoring store should be writable again")
	}

	scores, err := b.PassScoresAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read after promotion: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected 1 stored score, got %d", len(scores))
	}
}

func TestBrokerCloseAll(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	if err := b.CloseAll(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := b.PendingListings(context.Background(), 1)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if !IsFatal(err) {
		t.Fatal("closed error should be fatal")
	}
}
