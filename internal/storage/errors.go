package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrLocked is returned when another connection or process holds the store.
	ErrLocked = errors.New("store is locked by another process")
	// ErrCorrupt means the store file is unreadable and must be reset.
	ErrCorrupt = errors.New("store is corrupt")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConstraint is returned when a write violates a schema constraint.
	ErrConstraint = errors.New("constraint violation")
	// ErrDuplicateFeedURL is the uniqueness violation on a feed URL.
	ErrDuplicateFeedURL = fmt.Errorf("%w: duplicate feed url", ErrConstraint)
	// ErrDuplicateCategory is the uniqueness violation on a category name.
	ErrDuplicateCategory = fmt.Errorf("%w: duplicate category name", ErrConstraint)
)

// classify maps driver errors onto the storage sentinels. Errors that do not
// correspond to a known condition are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var se *sqlite.Error
	if !errors.As(err, &se) {
		// Connection setup failures are not always surfaced as *sqlite.Error.
		msg := err.Error()
		switch {
		case strings.Contains(msg, "database is locked"):
			return fmt.Errorf("%w: %w", ErrLocked, err)
		case strings.Contains(msg, "file is not a database"), strings.Contains(msg, "malformed"):
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", ErrLocked, err)
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case sqlite3.SQLITE_CONSTRAINT:
		msg := se.Error()
		switch {
		case strings.Contains(msg, "feeds.url"):
			return fmt.Errorf("%w: %w", ErrDuplicateFeedURL, err)
		case strings.Contains(msg, "categories.name"):
			return fmt.Errorf("%w: %w", ErrDuplicateCategory, err)
		}
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	return err
}
