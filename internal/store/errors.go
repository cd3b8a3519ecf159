package store

import (
	"errors"
	"fmt"
	"os"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// Failure categories reported by the broker. Callers match them with errors.Is.
var (
	ErrLocked          = errors.New("store is locked by another process")
	ErrReadOnly        = errors.New("store is open read-only")
	ErrInconsistentLog = errors.New("store journal references missing objects")
	ErrCorrupt         = errors.New("store file is corrupt")
	ErrSchemaMissing   = errors.New("store schema is not initialized")
	ErrClosed          = errors.New("store broker is closed")
)

// coder is satisfied by *sqlite.Error.
type coder interface {
	Code() int
}

// classifyOpen maps a failure seen while opening a store file. journal reports
// whether a write-ahead journal sat next to the file at the time of the failure.
func classifyOpen(err error, journal bool) error {
	if err == nil || isClassified(err) {
		return err
	}

	var ce coder
	if errors.As(err, &ce) {
		switch ce.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrLocked, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_PROTOCOL:
			if journal {
				return fmt.Errorf("%w: %w", ErrInconsistentLog, err)
			}
		case sqlite3.SQLITE_ERROR:
			if journal && missingObject(err) {
				return fmt.Errorf("%w: %w", ErrInconsistentLog, err)
			}
		}
		return err
	}

	if journal && missingObject(err) {
		return fmt.Errorf("%w: %w", ErrInconsistentLog, err)
	}
	return err
}

// classifyQuery maps a failure seen while running a statement on an open store.
func classifyQuery(err error) error {
	if err == nil || isClassified(err) {
		return err
	}

	var ce coder
	if errors.As(err, &ce) {
		switch ce.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrLocked, err)
		case sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %w", ErrReadOnly, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}
	if missingObject(err) {
		return fmt.Errorf("%w: %w", ErrSchemaMissing, err)
	}
	return err
}

func isClassified(err error) bool {
	for _, target := range []error{ErrLocked, ErrReadOnly, ErrInconsistentLog, ErrCorrupt, ErrSchemaMissing, ErrClosed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// missingObject reports the "no such table/column" family. SQLite only exposes
// these through the message of a generic SQLITE_ERROR.
func missingObject(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}

func journalFiles(path string) []string {
	return []string{path + "-wal", path + "-shm", path + "-journal"}
}

func journalPresent(path string) bool {
	for _, p := range journalFiles(path) {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func removeJournal(path string) error {
	var errs []error
	for _, p := range journalFiles(path) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsNoWork reports errors that a polling stage should treat as an empty batch.
func IsNoWork(err error) bool {
	return errors.Is(err, ErrSchemaMissing)
}

// IsFatal reports errors that must stop the stage owning the store.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrClosed)
}
