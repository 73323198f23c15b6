package broadsheet

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineConfig configures the broadsheet engine.
type EngineConfig struct {
	DBPath string

	Workers      int           // concurrent fetches per refresh; 0 selects 4
	FetchTimeout time.Duration // per-feed limit; 0 selects 30s
	BackoffBase  time.Duration // first retry delay for failing feeds; 0 disables backoff
	BackoffMax   time.Duration // 0 selects 24h
	UserAgent    string

	FreshPerCategory int // newest posts per category in the fresh view; 0 is unlimited

	RetentionDays   int  // window used by startup cleanup
	StartupCleanup  bool // purge when the engine opens
	ProtectArchived bool // archived posts survive purges

	// Sources are subscribed when the engine opens. URLs already present
	// are left alone.
	Sources []FeedSource

	// Registerer receives the refresh metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
}

// FeedSource is one configured subscription.
type FeedSource struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}

// Flag names one of the per-post booleans. Flags are independent of each other.
type Flag string

const (
	FlagRead      Flag = "read"
	FlagStarred   Flag = "starred"
	FlagReadLater Flag = "read_later"
	FlagArchived  Flag = "archived"
)

// ParseFlag accepts a flag name; "star", "save" and "archive" are aliases.
func ParseFlag(name string) (Flag, error) {
	switch name {
	case "read":
		return FlagRead, nil
	case "starred", "star":
		return FlagStarred, nil
	case "read_later", "read-later", "save", "saved":
		return FlagReadLater, nil
	case "archived", "archive":
		return FlagArchived, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFlag, name)
}

// View names a post list.
type View string

const (
	ViewFresh     View = "fresh"
	ViewStarred   View = "starred"
	ViewReadLater View = "read_later"
	ViewArchived  View = "archived"
	ViewCategory  View = "category"
	ViewAll       View = "all"
)

// ListRequest selects posts. CategoryID is required for ViewCategory and
// narrows any other view. Read posts are hidden unless IncludeRead is set.
type ListRequest struct {
	View        View   `json:"view"`
	CategoryID  *int64 `json:"category_id,omitempty"`
	IncludeRead bool   `json:"include_read"`
}

// PostSummary is a post as it appears in a list, without its content.
type PostSummary struct {
	ID           int64     `json:"id"`
	FeedID       int64     `json:"feed_id"`
	FeedTitle    string    `json:"feed_title"`
	CategoryID   *int64    `json:"category_id,omitempty"`
	CategoryName string    `json:"category,omitempty"`
	Title        string    `json:"title"`
	Link         string    `json:"link"`
	Summary      string    `json:"summary"`
	PublishedAt  time.Time `json:"published_at"`
	FetchedAt    time.Time `json:"fetched_at"`
	Read         bool      `json:"read"`
	Starred      bool      `json:"starred"`
	ReadLater    bool      `json:"read_later"`
	Archived     bool      `json:"archived"`
}

// Post is a post with its content.
type Post struct {
	PostSummary
	Content string `json:"content"`
}

// Feed represents an RSS/Atom feed subscription.
type Feed struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	CategoryID   *int64     `json:"category_id,omitempty"`
	CategoryName string     `json:"category,omitempty"`
	LastFetched  *time.Time `json:"last_fetched,omitempty"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	FailureCount int        `json:"failure_count"`
	LastError    *string    `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedRefresh reports one feed of a refresh cycle.
type FeedRefresh struct {
	FeedID     int64         `json:"feed_id"`
	URL        string        `json:"url"`
	Title      string        `json:"title,omitempty"`
	Status     string        `json:"status"`           // ok, not_modified, failed, deferred, cancelled
	Reason     string        `json:"reason,omitempty"` // timeout, unreachable, http_status, parse, store
	Error      string        `json:"error,omitempty"`
	New        int           `json:"new"`
	Updated    int           `json:"updated"`
	Unchanged  int           `json:"unchanged"`
	PostErrors int           `json:"post_errors"`
	Duration   time.Duration `json:"duration"`
	RetryAt    *time.Time    `json:"retry_at,omitempty"`
}

// RefreshReport summarizes a refresh cycle.
type RefreshReport struct {
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Feeds       []FeedRefresh `json:"feeds"`
	New         int           `json:"new"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	PostErrors  int           `json:"post_errors"`
	OK          int           `json:"ok"`
	NotModified int           `json:"not_modified"`
	Failed      int           `json:"failed"`
	Deferred    int           `json:"deferred"`
	Cancelled   int           `json:"cancelled"`
}

// ImportReport summarizes an OPML import.
type ImportReport struct {
	Imported          int      `json:"imported"`
	Skipped           int      `json:"skipped"`
	CategoriesCreated int      `json:"categories_created"`
	Errors            []string `json:"errors,omitempty"`
}

// CategoryStats holds counts for one category. A nil ID is the row for
// uncategorized feeds.
type CategoryStats struct {
	ID     *int64 `json:"id,omitempty"`
	Name   string `json:"name"`
	Feeds  int    `json:"feeds"`
	Posts  int    `json:"posts"`
	Unread int    `json:"unread"`
}

// Stats holds store-wide counts.
type Stats struct {
	Feeds        int             `json:"feed_count"`
	Categories   int             `json:"category_count"`
	FailingFeeds int             `json:"failing_feeds"`
	Posts        int             `json:"post_count"`
	Read         int             `json:"read"`
	Unread       int             `json:"unread"`
	Starred      int             `json:"starred"`
	ReadLater    int             `json:"read_later"`
	Archived     int             `json:"archived"`
	PerCategory  []CategoryStats `json:"per_category"`
}
