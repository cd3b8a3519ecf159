package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Name identifies one logical store. Each store lives in its own file.
type Name string

const (
	Listing Name = "listing"
	Raw     Name = "raw"
	Scoring Name = "scoring"
	AI      Name = "ai"
	Final   Name = "final"
)

// Names returns every store in pipeline order. Locks are always taken in this order.
func Names() []Name {
	return []Name{Listing, Raw, Scoring, AI, Final}
}

// FetchMode selects what Query does with the result set.
type FetchMode int

const (
	FetchNone FetchMode = iota
	FetchOne
	FetchAll
)

// Opener opens a store file. The returned handle must already be usable.
type Opener func(path string, readOnly bool) (*sqlx.DB, error)

// writableRetry is how long a store degraded to read-only waits before a
// write tries the read-write open again.
const writableRetry = 30 * time.Second

// handle owns the connections of one store. mu serializes every statement.
type handle struct {
	mu        sync.Mutex
	name      Name
	path      string
	rw        *sqlx.DB
	ro        *sqlx.DB
	rwRetryAt time.Time
	halted    error
	closed    bool
}

// Broker is the only owner of store connections.
type Broker struct {
	dir    string
	open   Opener
	logger zerolog.Logger
	now    func() time.Time
	stores map[Name]*handle
}

// Option customizes a Broker.
type Option func(*Broker)

// WithOpener replaces the SQLite opener.
func WithOpener(o Opener) Option {
	return func(b *Broker) { b.open = o }
}

// WithClock replaces the clock used for retention cutoffs and write retries.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker prepares one handle per store under dir. Files are opened lazily.
func NewBroker(dir string, logger zerolog.Logger, opts ...Option) (*Broker, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	b := &Broker{
		dir:    dir,
		open:   OpenSQLite,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
		stores: make(map[Name]*handle, len(Names())),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, n := range Names() {
		b.stores[n] = &handle{name: n, path: filepath.Join(dir, string(n)+".db")}
	}
	return b, nil
}

// OpenSQLite opens path with WAL journaling, or read-only when requested, and
// reads the catalog so open-time failures surface here instead of mid-query.
func OpenSQLite(path string, readOnly bool) (*sqlx.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
	if readOnly {
		dsn = "file:" + path + "?mode=ro&_pragma=busy_timeout(1000)&_time_format=sqlite"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("check sqlite %s: %w", path, err)
	}
	return db, nil
}

// Path returns the file backing a store.
func (b *Broker) Path(n Name) string {
	if h, ok := b.stores[n]; ok {
		return h.path
	}
	return ""
}

// ReadOnly reports whether a store degraded to read-only mode.
func (b *Broker) ReadOnly(n Name) bool {
	h, ok := b.stores[n]
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rw == nil && h.ro != nil
}

func (b *Broker) handle(n Name) (*handle, error) {
	h, ok := b.stores[n]
	if !ok {
		return nil, fmt.Errorf("unknown store %q", n)
	}
	return h, nil
}

// ensureOpen must be called with h.mu held.
func (b *Broker) ensureOpen(h *handle) error {
	if h.closed {
		return fmt.Errorf("store %s: %w", h.name, ErrClosed)
	}
	if h.halted != nil {
		return h.halted
	}
	if h.rw != nil || h.ro != nil {
		return nil
	}

	db, err := b.open(h.path, false)
	if err == nil {
		h.rw = db
		return nil
	}

	cerr := classifyOpen(err, journalPresent(h.path))
	switch {
	case errors.Is(cerr, ErrLocked):
		ro, rerr := b.open(h.path, true)
		if rerr != nil {
			return fmt.Errorf("store %s: open read-only: %w", h.name, classifyOpen(rerr, false))
		}
		h.ro = ro
		h.rwRetryAt = b.now().Add(writableRetry)
		b.logger.Warn().Str("store", string(h.name)).Err(cerr).Msg("store held by another process, serving reads only")
		return nil

	case errors.Is(cerr, ErrInconsistentLog):
		b.logger.Warn().Str("store", string(h.name)).Err(cerr).Msg("discarding inconsistent journal")
		if rmErr := removeJournal(h.path); rmErr != nil {
			return fmt.Errorf("store %s: remove journal: %w", h.name, rmErr)
		}
		db, err = b.open(h.path, false)
		if err != nil {
			return b.failOpen(h, classifyOpen(err, false))
		}
		h.rw = db
		b.logger.Info().Str("store", string(h.name)).Msg("store reopened after journal cleanup")
		return nil
	}

	return b.failOpen(h, cerr)
}

// failOpen halts the store on corruption. Other failures are returned as-is and
// the open is retried on the next call.
func (b *Broker) failOpen(h *handle, err error) error {
	if errors.Is(err, ErrCorrupt) {
		h.halted = fmt.Errorf("store %s: %w", h.name, err)
		b.logger.Error().Str("store", string(h.name)).Str("path", h.path).Err(err).
			Msg("store file is corrupt, halting store (file left untouched)")
		return h.halted
	}
	return fmt.Errorf("open store %s: %w", h.name, err)
}

// promote retries the read-write open of a degraded store once the backoff has
// passed. The read-only connection stays as the secondary read handle. h.mu
// must be held.
func (b *Broker) promote(h *handle) {
	if h.rw != nil || h.ro == nil || b.now().Before(h.rwRetryAt) {
		return
	}
	db, err := b.open(h.path, false)
	if err != nil {
		h.rwRetryAt = b.now().Add(writableRetry)
		b.logger.Debug().Str("store", string(h.name)).Err(err).Msg("store still not writable")
		return
	}
	h.rw = db
	b.logger.Info().Str("store", string(h.name)).Msg("store writable again")
}

// readOnlyHandle opens the secondary read-only connection. h.mu must be held.
func (b *Broker) readOnlyHandle(h *handle) (*sqlx.DB, error) {
	if h.ro != nil {
		return h.ro, nil
	}
	ro, err := b.open(h.path, true)
	if err != nil {
		return nil, classifyOpen(err, false)
	}
	h.ro = ro
	return ro, nil
}

// with runs fn against the store while holding its lock. Reads that hit lock
// contention are retried once on the read-only connection.
func (b *Broker) with(ctx context.Context, n Name, write bool, fn func(q sqlx.ExtContext) error) error {
	h, err := b.handle(n)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := b.ensureOpen(h); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if write {
		b.promote(h)
	}
	if h.rw == nil {
		if write {
			return fmt.Errorf("store %s: %w", h.name, ErrReadOnly)
		}
		return b.wrap(h, fn(h.ro))
	}

	err = classifyQuery(fn(h.rw))
	if err != nil && !write && errors.Is(err, ErrLocked) {
		if ro, roErr := b.readOnlyHandle(h); roErr == nil {
			err = classifyQuery(fn(ro))
		}
	}
	return b.wrap(h, err)
}

func (b *Broker) wrap(h *handle, err error) error {
	if err == nil {
		return nil
	}
	err = classifyQuery(err)
	if errors.Is(err, ErrCorrupt) {
		h.halted = fmt.Errorf("store %s: %w", h.name, err)
		b.logger.Error().Str("store", string(h.name)).Err(err).Msg("corruption detected during query, halting store")
		return h.halted
	}
	return fmt.Errorf("store %s: %w", h.name, err)
}

// Query runs a statement on store n. FetchOne scans a single row into dest,
// FetchAll scans every row into the slice dest points to, FetchNone executes.
func (b *Broker) Query(ctx context.Context, n Name, mode FetchMode, dest any, query string, args ...any) error {
	switch mode {
	case FetchNone:
		_, err := b.Exec(ctx, n, query, args...)
		return err
	case FetchOne:
		return b.Get(ctx, n, dest, query, args...)
	case FetchAll:
		return b.Select(ctx, n, dest, query, args...)
	}
	return fmt.Errorf("unknown fetch mode %d", mode)
}

// Exec runs a write statement.
func (b *Broker) Exec(ctx context.Context, n Name, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := b.with(ctx, n, true, func(q sqlx.ExtContext) error {
		var err error
		res, err = q.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Get scans one row into dest. A missing row yields sql.ErrNoRows.
func (b *Broker) Get(ctx context.Context, n Name, dest any, query string, args ...any) error {
	return b.with(ctx, n, false, func(q sqlx.ExtContext) error {
		return sqlx.GetContext(ctx, q, dest, query, args...)
	})
}

// Select scans all rows into dest.
func (b *Broker) Select(ctx context.Context, n Name, dest any, query string, args ...any) error {
	return b.with(ctx, n, false, func(q sqlx.ExtContext) error {
		return sqlx.SelectContext(ctx, q, dest, query, args...)
	})
}

// Tx runs fn inside a transaction on store n. fn must not call back into the broker.
func (b *Broker) Tx(ctx context.Context, n Name, fn func(tx *sqlx.Tx) error) error {
	h, err := b.handle(n)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := b.ensureOpen(h); err != nil {
		return err
	}
	b.promote(h)
	if h.rw == nil {
		return fmt.Errorf("store %s: %w", h.name, ErrReadOnly)
	}

	tx, err := h.rw.BeginTxx(ctx, nil)
	if err != nil {
		return b.wrap(h, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return b.wrap(h, err)
	}
	if err := tx.Commit(); err != nil {
		return b.wrap(h, err)
	}
	return nil
}

// Init creates every store's schema. Stores that cannot be migrated are reported
// but do not stop the others.
func (b *Broker) Init(ctx context.Context) error {
	var errs []error
	for _, n := range Names() {
		if b.ReadOnly(n) {
			b.logger.Warn().Str("store", string(n)).Msg("skipping migration on read-only store")
			continue
		}
		if _, err := b.Exec(ctx, n, schemas[n]); err != nil {
			if errors.Is(err, ErrReadOnly) {
				b.logger.Warn().Str("store", string(n)).Msg("skipping migration on read-only store")
				continue
			}
			errs = append(errs, fmt.Errorf("migrate %s: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll waits for in-flight statements on every store, then closes them.
func (b *Broker) CloseAll() error {
	handles := make([]*handle, 0, len(b.stores))
	for _, n := range Names() {
		h := b.stores[n]
		h.mu.Lock()
		handles = append(handles, h)
	}
	defer func() {
		for _, h := range handles {
			h.mu.Unlock()
		}
	}()

	var errs []error
	for _, h := range handles {
		for _, db := range []*sqlx.DB{h.rw, h.ro} {
			if db == nil {
				continue
			}
			if err := db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", h.name, err))
			}
		}
		h.rw, h.ro = nil, nil
		h.closed = true
	}
	return errors.Join(errs...)
}
