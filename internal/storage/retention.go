package storage

import (
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// Protection selects which flags pin a post against purging.
// Starred and read-later posts are always pinned.
type Protection struct {
	Archived bool
}

// PurgeOlderThan deletes, in one transaction, every post fetched at or before
// cutoff that is not pinned. It returns the number of posts removed.
func (s *Store) PurgeOlderThan(cutoff time.Time, p Protection) (int64, error) {
	db := sqlbuilder.SQLite.NewDeleteBuilder()
	db.DeleteFrom("posts")
	conds := []string{
		db.LessEqualThan("fetched_at", toUnix(cutoff)),
		db.Equal("is_starred", 0),
		db.Equal("is_read_later", 0),
	}
	if p.Archived {
		conds = append(conds, db.Equal("is_archived", 0))
	}
	db.Where(conds...)
	query, args := db.Build()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", classify(err))
	}
	defer tx.Rollback()

	result, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge posts: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return n, nil
}
