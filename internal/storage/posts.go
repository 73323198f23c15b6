package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// Flag names one of the four independent per-post booleans.
type Flag int

const (
	FlagRead Flag = iota
	FlagStarred
	FlagReadLater
	FlagArchived
)

func (f Flag) String() string {
	switch f {
	case FlagRead:
		return "read"
	case FlagStarred:
		return "starred"
	case FlagReadLater:
		return "read_later"
	case FlagArchived:
		return "archived"
	}
	return fmt.Sprintf("flag(%d)", int(f))
}

func (f Flag) column() (string, error) {
	switch f {
	case FlagRead:
		return "is_read", nil
	case FlagStarred:
		return "is_starred", nil
	case FlagReadLater:
		return "is_read_later", nil
	case FlagArchived:
		return "is_archived", nil
	}
	return "", fmt.Errorf("unknown flag %d", int(f))
}

// Post is a stored feed item together with its flags and owning feed.
type Post struct {
	ID           int64
	FeedID       int64
	FeedTitle    string
	FeedURL      string
	CategoryID   *int64
	CategoryName string
	DedupKey     string
	Title        string
	Link         string
	Content      string // empty in QueryPosts results
	Summary      string
	PublishedAt  time.Time
	FetchedAt    time.Time
	Read         bool
	Starred      bool
	ReadLater    bool
	Archived     bool
}

// PostInput is a normalized item ready to be merged into a feed.
type PostInput struct {
	FeedID      int64
	DedupKey    string
	Title       string
	Link        string
	Content     string
	Summary     string
	PublishedAt time.Time
	FetchedAt   time.Time

	// Undated marks an item whose source carried no date. PublishedAt is
	// then only used on insert; an existing post keeps its stored time.
	Undated bool
}

// UpsertOutcome reports what UpsertPost did with an item.
type UpsertOutcome int

const (
	OutcomeUnchanged UpsertOutcome = iota
	OutcomeNew
	OutcomeUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeUpdated:
		return "updated"
	}
	return "unchanged"
}

type postRow struct {
	ID           int64          `db:"id"`
	FeedID       int64          `db:"feed_id"`
	FeedTitle    string         `db:"feed_title"`
	FeedURL      string         `db:"feed_url"`
	CategoryID   sql.NullInt64  `db:"category_id"`
	CategoryName sql.NullString `db:"category_name"`
	DedupKey     string         `db:"dedup_key"`
	Title        string         `db:"title"`
	Link         string         `db:"link"`
	Content      string         `db:"content"`
	Summary      string         `db:"summary"`
	PublishedAt  int64          `db:"published_at"`
	FetchedAt    int64          `db:"fetched_at"`
	Read         bool           `db:"is_read"`
	Starred      bool           `db:"is_starred"`
	ReadLater    bool           `db:"is_read_later"`
	Archived     bool           `db:"is_archived"`
}

func (r postRow) post() Post {
	p := Post{
		ID:           r.ID,
		FeedID:       r.FeedID,
		FeedTitle:    r.FeedTitle,
		FeedURL:      r.FeedURL,
		CategoryName: r.CategoryName.String,
		DedupKey:     r.DedupKey,
		Title:        r.Title,
		Link:         r.Link,
		Content:      r.Content,
		Summary:      r.Summary,
		PublishedAt:  fromUnix(r.PublishedAt),
		FetchedAt:    fromUnix(r.FetchedAt),
		Read:         r.Read,
		Starred:      r.Starred,
		ReadLater:    r.ReadLater,
		Archived:     r.Archived,
	}
	if r.CategoryID.Valid {
		id := r.CategoryID.Int64
		p.CategoryID = &id
	}
	return p
}

var summaryColumns = []string{
	"p.id", "p.feed_id", "f.title AS feed_title", "f.url AS feed_url",
	"f.category_id", "c.name AS category_name", "p.dedup_key", "p.title",
	"p.link", "p.summary", "p.published_at", "p.fetched_at", "p.is_read",
	"p.is_starred", "p.is_read_later", "p.is_archived",
}

func newPostSelect(columns ...string) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(columns...).From("posts p")
	sb.Join("feeds f", "f.id = p.feed_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "categories c", "c.id = f.category_id")
	return sb
}

// UpsertPost merges one item into its feed, keyed by (feed, dedup key).
// A new key inserts a post. A known key updates title, link, content,
// summary and published time only when one of them changed; the fetched
// time and the flags of an existing post are never touched.
func (s *Store) UpsertPost(in *PostInput) (int64, UpsertOutcome, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, OutcomeUnchanged, fmt.Errorf("begin upsert: %w", classify(err))
	}
	defer tx.Rollback()

	var existing struct {
		ID          int64  `db:"id"`
		Title       string `db:"title"`
		Link        string `db:"link"`
		Content     string `db:"content"`
		Summary     string `db:"summary"`
		PublishedAt int64  `db:"published_at"`
	}
	err = tx.Get(&existing,
		`SELECT id, title, link, content, summary, published_at
		 FROM posts WHERE feed_id = ? AND dedup_key = ?`,
		in.FeedID, in.DedupKey,
	)

	published := toUnix(in.PublishedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.Exec(
			`INSERT INTO posts (feed_id, dedup_key, title, link, content, summary, published_at, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.FeedID, in.DedupKey, in.Title, in.Link, in.Content, in.Summary,
			published, toUnix(in.FetchedAt),
		)
		if err != nil {
			return 0, OutcomeUnchanged, fmt.Errorf("insert post: %w", classify(err))
		}
		id, err := result.LastInsertId()
		if err != nil {
			return 0, OutcomeUnchanged, err
		}
		if err := tx.Commit(); err != nil {
			return 0, OutcomeUnchanged, classify(err)
		}
		return id, OutcomeNew, nil

	case err != nil:
		return 0, OutcomeUnchanged, fmt.Errorf("lookup post: %w", classify(err))
	}

	if in.Undated {
		published = existing.PublishedAt
	}

	if existing.Title == in.Title && existing.Link == in.Link && existing.Content == in.Content &&
		existing.Summary == in.Summary && existing.PublishedAt == published {
		return existing.ID, OutcomeUnchanged, nil
	}

	if _, err := tx.Exec(
		`UPDATE posts SET title = ?, link = ?, content = ?, summary = ?, published_at = ?
		 WHERE id = ?`,
		in.Title, in.Link, in.Content, in.Summary, published, existing.ID,
	); err != nil {
		return 0, OutcomeUnchanged, fmt.Errorf("update post %d: %w", existing.ID, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, OutcomeUnchanged, classify(err)
	}
	return existing.ID, OutcomeUpdated, nil
}

// GetPost returns a post including its content.
func (s *Store) GetPost(postID int64) (*Post, error) {
	sb := newPostSelect(append(summaryColumns, "p.content")...)
	sb.Where(sb.Equal("p.id", postID))
	query, args := sb.Build()

	var row postRow
	if err := s.db.Get(&row, query, args...); err != nil {
		return nil, fmt.Errorf("get post %d: %w", postID, classify(err))
	}
	p := row.post()
	return &p, nil
}

// PostQuery filters QueryPosts. Nil fields do not constrain the result.
type PostQuery struct {
	Read          *bool
	Starred       *bool
	ReadLater     *bool
	Archived      *bool
	FeedID        *int64
	CategoryID    *int64
	Uncategorized bool
	Limit         int
}

// QueryPosts returns matching posts without content, ordered newest first:
// published time descending, then fetched time descending, then ID ascending.
func (s *Store) QueryPosts(q PostQuery) ([]Post, error) {
	sb := newPostSelect(summaryColumns...)

	flags := []struct {
		value  *bool
		column string
	}{
		{q.Read, "p.is_read"},
		{q.Starred, "p.is_starred"},
		{q.ReadLater, "p.is_read_later"},
		{q.Archived, "p.is_archived"},
	}
	for _, f := range flags {
		if f.value != nil {
			sb.Where(sb.Equal(f.column, boolInt(*f.value)))
		}
	}
	if q.FeedID != nil {
		sb.Where(sb.Equal("p.feed_id", *q.FeedID))
	}
	if q.CategoryID != nil {
		sb.Where(sb.Equal("f.category_id", *q.CategoryID))
	} else if q.Uncategorized {
		sb.Where(sb.IsNull("f.category_id"))
	}
	sb.OrderBy("p.published_at DESC", "p.fetched_at DESC", "p.id ASC")
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	query, args := sb.Build()
	var rows []postRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("query posts: %w", classify(err))
	}
	posts := make([]Post, len(rows))
	for i, r := range rows {
		posts[i] = r.post()
	}
	return posts, nil
}

// SetPostFlag sets one flag to value and returns the updated post.
// Concurrent writes to the same flag resolve last-write-wins; writes to
// different flags never interfere because each touches a single column.
func (s *Store) SetPostFlag(postID int64, flag Flag, value bool) (*Post, error) {
	col, err := flag.column()
	if err != nil {
		return nil, err
	}
	return s.mutatePost(postID, "UPDATE posts SET "+col+" = ? WHERE id = ?", boolInt(value), postID)
}

// TogglePostFlag flips one flag atomically and returns the updated post.
func (s *Store) TogglePostFlag(postID int64, flag Flag) (*Post, error) {
	col, err := flag.column()
	if err != nil {
		return nil, err
	}
	return s.mutatePost(postID, "UPDATE posts SET "+col+" = 1 - "+col+" WHERE id = ?", postID)
}

func (s *Store) mutatePost(postID int64, stmt string, args ...any) (*Post, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin post update: %w", classify(err))
	}
	defer tx.Rollback()

	result, err := tx.Exec(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("update post %d: %w", postID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update post %d: %w", postID, ErrNotFound)
	}

	sb := newPostSelect(summaryColumns...)
	sb.Where(sb.Equal("p.id", postID))
	query, qargs := sb.Build()
	var row postRow
	if err := tx.Get(&row, query, qargs...); err != nil {
		return nil, fmt.Errorf("reload post %d: %w", postID, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	p := row.post()
	return &p, nil
}

// DeletePost removes a single post.
func (s *Store) DeletePost(postID int64) error {
	result, err := s.db.Exec("DELETE FROM posts WHERE id = ?", postID)
	if err != nil {
		return fmt.Errorf("delete post %d: %w", postID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete post %d: %w", postID, ErrNotFound)
	}
	return nil
}
