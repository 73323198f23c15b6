package storage

import (
	"database/sql"
	"fmt"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// Stats summarizes the contents of the store.
type Stats struct {
	Feeds        int `db:"feeds"`
	Categories   int `db:"categories"`
	FailingFeeds int `db:"failing_feeds"`
	Posts        int `db:"posts"`
	Read         int `db:"read"`
	Unread       int `db:"unread"`
	Starred      int `db:"starred"`
	ReadLater    int `db:"read_later"`
	Archived     int `db:"archived"`
	PerCategory  []CategoryStats
}

// CategoryStats holds counts for one category. The row with a nil ID
// covers feeds without a category.
type CategoryStats struct {
	ID     *int64
	Name   string
	Feeds  int
	Posts  int
	Unread int
}

type categoryStatsRow struct {
	ID     sql.NullInt64  `db:"id"`
	Name   sql.NullString `db:"name"`
	Feeds  int            `db:"feeds"`
	Posts  int            `db:"posts"`
	Unread int            `db:"unread"`
}

const unreadExpr = "COALESCE(SUM(CASE WHEN p.is_read = 0 THEN 1 ELSE 0 END), 0) AS unread"

// Stats computes store-wide and per-category counts in one read transaction.
func (s *Store) Stats() (*Stats, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin stats: %w", classify(err))
	}
	defer tx.Rollback()

	var st Stats
	if err := tx.Get(&st, `SELECT
		(SELECT COUNT(*) FROM feeds) AS feeds,
		(SELECT COUNT(*) FROM categories) AS categories,
		(SELECT COUNT(*) FROM feeds WHERE failure_count > 0) AS failing_feeds,
		COUNT(*) AS posts,
		COALESCE(SUM(is_read), 0) AS read,
		COALESCE(SUM(1 - is_read), 0) AS unread,
		COALESCE(SUM(is_starred), 0) AS starred,
		COALESCE(SUM(is_read_later), 0) AS read_later,
		COALESCE(SUM(is_archived), 0) AS archived
		FROM posts`); err != nil {
		return nil, fmt.Errorf("count posts: %w", classify(err))
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("c.id", "c.name", "COUNT(DISTINCT f.id) AS feeds", "COUNT(p.id) AS posts", unreadExpr)
	sb.From("categories c")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "feeds f", "f.category_id = c.id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "posts p", "p.feed_id = f.id")
	sb.GroupBy("c.id", "c.name")
	sb.OrderBy("c.name COLLATE NOCASE", "c.id")
	query, args := sb.Build()

	var rows []categoryStatsRow
	if err := tx.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("category stats: %w", classify(err))
	}

	ub := sqlbuilder.SQLite.NewSelectBuilder()
	ub.Select("NULL AS id", "NULL AS name", "COUNT(DISTINCT f.id) AS feeds", "COUNT(p.id) AS posts", unreadExpr)
	ub.From("feeds f")
	ub.JoinWithOption(sqlbuilder.LeftJoin, "posts p", "p.feed_id = f.id")
	ub.Where(ub.IsNull("f.category_id"))
	query, args = ub.Build()

	var uncategorized categoryStatsRow
	if err := tx.Get(&uncategorized, query, args...); err != nil {
		return nil, fmt.Errorf("uncategorized stats: %w", classify(err))
	}

	for _, r := range append(rows, uncategorized) {
		cs := CategoryStats{Name: r.Name.String, Feeds: r.Feeds, Posts: r.Posts, Unread: r.Unread}
		if r.ID.Valid {
			id := r.ID.Int64
			cs.ID = &id
		}
		st.PerCategory = append(st.PerCategory, cs)
	}
	return &st, nil
}
