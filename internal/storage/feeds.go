package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Feed is a stored subscription.
type Feed struct {
	ID           int64
	URL          string
	Title        string
	CategoryID   *int64
	CategoryName string
	LastFetched  *time.Time // last successful fetch, including not-modified
	LastAttempt  *time.Time // every attempt, successful or not
	ETag         string
	LastModified string
	FailureCount int
	LastError    *string
	CreatedAt    time.Time
}

// Category groups feeds. A feed belongs to at most one category.
type Category struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Validators are the HTTP cache validators kept per feed for conditional fetches.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchRecord describes the outcome of one fetch attempt for RecordFetch.
type FetchRecord struct {
	At         time.Time
	Success    bool
	Validators *Validators // nil keeps the stored validators
	Err        string
}

type feedRow struct {
	ID           int64          `db:"id"`
	URL          string         `db:"url"`
	Title        string         `db:"title"`
	CategoryID   sql.NullInt64  `db:"category_id"`
	CategoryName sql.NullString `db:"category_name"`
	LastFetched  sql.NullInt64  `db:"last_fetched"`
	LastAttempt  sql.NullInt64  `db:"last_attempt"`
	ETag         string         `db:"etag"`
	LastModified string         `db:"last_modified"`
	FailureCount int            `db:"failure_count"`
	LastError    sql.NullString `db:"last_error"`
	CreatedAt    int64          `db:"created_at"`
}

const feedColumns = `f.id, f.url, f.title, f.category_id, c.name AS category_name,
	f.last_fetched, f.last_attempt, f.etag, f.last_modified, f.failure_count,
	f.last_error, f.created_at
	FROM feeds f LEFT JOIN categories c ON c.id = f.category_id`

func (r feedRow) feed() Feed {
	f := Feed{
		ID:           r.ID,
		URL:          r.URL,
		Title:        r.Title,
		CategoryName: r.CategoryName.String,
		ETag:         r.ETag,
		LastModified: r.LastModified,
		FailureCount: r.FailureCount,
		CreatedAt:    fromUnix(r.CreatedAt),
	}
	if r.CategoryID.Valid {
		id := r.CategoryID.Int64
		f.CategoryID = &id
	}
	if r.LastFetched.Valid {
		t := fromUnix(r.LastFetched.Int64)
		f.LastFetched = &t
	}
	if r.LastAttempt.Valid {
		t := fromUnix(r.LastAttempt.Int64)
		f.LastAttempt = &t
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		f.LastError = &msg
	}
	return f
}

// AddFeed inserts a feed. A URL that is already stored yields ErrDuplicateFeedURL.
func (s *Store) AddFeed(url, title string, categoryID *int64) (int64, error) {
	result, err := s.db.Exec(
		"INSERT INTO feeds (url, title, category_id, created_at) VALUES (?, ?, ?, ?)",
		url, title, categoryID, toUnix(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("add feed: %w", classify(err))
	}
	return result.LastInsertId()
}

// GetFeed returns a single feed by ID.
func (s *Store) GetFeed(feedID int64) (*Feed, error) {
	var row feedRow
	if err := s.db.Get(&row, "SELECT "+feedColumns+" WHERE f.id = ?", feedID); err != nil {
		return nil, fmt.Errorf("get feed %d: %w", feedID, classify(err))
	}
	f := row.feed()
	return &f, nil
}

// GetFeedByURL returns the feed subscribed at url.
func (s *Store) GetFeedByURL(url string) (*Feed, error) {
	var row feedRow
	if err := s.db.Get(&row, "SELECT "+feedColumns+" WHERE f.url = ?", url); err != nil {
		return nil, fmt.Errorf("get feed %s: %w", url, classify(err))
	}
	f := row.feed()
	return &f, nil
}

// ListFeeds returns every feed in insertion order.
func (s *Store) ListFeeds() ([]Feed, error) {
	var rows []feedRow
	if err := s.db.Select(&rows, "SELECT "+feedColumns+" ORDER BY f.id"); err != nil {
		return nil, fmt.Errorf("list feeds: %w", classify(err))
	}
	feeds := make([]Feed, len(rows))
	for i, r := range rows {
		feeds[i] = r.feed()
	}
	return feeds, nil
}

// SetFeedCategory moves a feed into a category, or out of any category when
// categoryID is nil.
func (s *Store) SetFeedCategory(feedID int64, categoryID *int64) error {
	return s.updateFeed(feedID, "UPDATE feeds SET category_id = ? WHERE id = ?", categoryID, feedID)
}

// SetFeedTitle updates the display title of a feed.
func (s *Store) SetFeedTitle(feedID int64, title string) error {
	return s.updateFeed(feedID, "UPDATE feeds SET title = ? WHERE id = ?", title, feedID)
}

func (s *Store) updateFeed(feedID int64, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update feed %d: %w", feedID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update feed %d: %w", feedID, ErrNotFound)
	}
	return nil
}

// RecordFetch stores the bookkeeping for one fetch attempt: the attempt time
// always, validators when new ones were received, and either a reset or an
// increment of the consecutive failure counter.
func (s *Store) RecordFetch(feedID int64, rec FetchRecord) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin record fetch: %w", classify(err))
	}
	defer tx.Rollback()

	at := toUnix(rec.At)
	var result sql.Result
	if rec.Success {
		result, err = tx.Exec(
			`UPDATE feeds SET last_attempt = ?, last_fetched = ?, failure_count = 0, last_error = NULL
			 WHERE id = ?`,
			at, at, feedID,
		)
	} else {
		result, err = tx.Exec(
			`UPDATE feeds SET last_attempt = ?, failure_count = failure_count + 1, last_error = ?
			 WHERE id = ?`,
			at, rec.Err, feedID,
		)
	}
	if err != nil {
		return fmt.Errorf("record fetch for feed %d: %w", feedID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record fetch for feed %d: %w", feedID, ErrNotFound)
	}

	if rec.Validators != nil {
		if _, err := tx.Exec(
			"UPDATE feeds SET etag = ?, last_modified = ? WHERE id = ?",
			rec.Validators.ETag, rec.Validators.LastModified, feedID,
		); err != nil {
			return fmt.Errorf("update validators for feed %d: %w", feedID, classify(err))
		}
	}
	return classify(tx.Commit())
}

// DeleteFeed removes a feed and, through the foreign key cascade, all of its
// posts. It returns the number of posts removed with it.
func (s *Store) DeleteFeed(feedID int64) (int64, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin delete feed: %w", classify(err))
	}
	defer tx.Rollback()

	var posts int64
	if err := tx.Get(&posts, "SELECT COUNT(*) FROM posts WHERE feed_id = ?", feedID); err != nil {
		return 0, fmt.Errorf("count posts of feed %d: %w", feedID, classify(err))
	}
	result, err := tx.Exec("DELETE FROM feeds WHERE id = ?", feedID)
	if err != nil {
		return 0, fmt.Errorf("delete feed %d: %w", feedID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("delete feed %d: %w", feedID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return posts, nil
}

// Category management

// EnsureCategory returns the ID of the category called name, creating it when
// it does not exist. Names compare case-insensitively.
func (s *Store) EnsureCategory(name string) (id int64, created bool, err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, false, fmt.Errorf("begin ensure category: %w", classify(err))
	}
	defer tx.Rollback()

	err = tx.Get(&id, "SELECT id FROM categories WHERE name = ?", name)
	switch {
	case err == nil:
		return id, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("lookup category %q: %w", name, classify(err))
	}

	result, err := tx.Exec("INSERT INTO categories (name, created_at) VALUES (?, ?)", name, toUnix(s.now()))
	if err != nil {
		return 0, false, fmt.Errorf("create category %q: %w", name, classify(err))
	}
	if id, err = result.LastInsertId(); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, classify(err)
	}
	return id, true, nil
}

type categoryRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

func (r categoryRow) category() Category {
	return Category{ID: r.ID, Name: r.Name, CreatedAt: fromUnix(r.CreatedAt)}
}

// GetCategory returns a category by ID.
func (s *Store) GetCategory(categoryID int64) (*Category, error) {
	var row categoryRow
	if err := s.db.Get(&row, "SELECT id, name, created_at FROM categories WHERE id = ?", categoryID); err != nil {
		return nil, fmt.Errorf("get category %d: %w", categoryID, classify(err))
	}
	c := row.category()
	return &c, nil
}

// GetCategoryByName returns a category by case-insensitive name.
func (s *Store) GetCategoryByName(name string) (*Category, error) {
	var row categoryRow
	if err := s.db.Get(&row, "SELECT id, name, created_at FROM categories WHERE name = ?", name); err != nil {
		return nil, fmt.Errorf("get category %q: %w", name, classify(err))
	}
	c := row.category()
	return &c, nil
}

// ListCategories returns all categories ordered by name.
func (s *Store) ListCategories() ([]Category, error) {
	var rows []categoryRow
	if err := s.db.Select(&rows, "SELECT id, name, created_at FROM categories ORDER BY name COLLATE NOCASE, id"); err != nil {
		return nil, fmt.Errorf("list categories: %w", classify(err))
	}
	out := make([]Category, len(rows))
	for i, r := range rows {
		out[i] = r.category()
	}
	return out, nil
}

// RenameCategory changes a category's name; feeds keep their membership.
func (s *Store) RenameCategory(categoryID int64, name string) error {
	result, err := s.db.Exec("UPDATE categories SET name = ? WHERE id = ?", name, categoryID)
	if err != nil {
		return fmt.Errorf("rename category %d: %w", categoryID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rename category %d: %w", categoryID, ErrNotFound)
	}
	return nil
}

// DeleteCategory removes a category. Its feeds become uncategorized.
func (s *Store) DeleteCategory(categoryID int64) error {
	result, err := s.db.Exec("DELETE FROM categories WHERE id = ?", categoryID)
	if err != nil {
		return fmt.Errorf("delete category %d: %w", categoryID, classify(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete category %d: %w", categoryID, ErrNotFound)
	}
	return nil
}
