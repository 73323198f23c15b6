// Package view computes the ordered, filtered post lists shown to a reader
// and keeps a session cache of category contents.
package view

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// Kind names a view.
type Kind int

const (
	Fresh Kind = iota
	Starred
	ReadLater
	Archived
	Category
	All
)

var kindNames = map[Kind]string{
	Fresh:     "fresh",
	Starred:   "starred",
	ReadLater: "read_later",
	Archived:  "archived",
	Category:  "category",
	All:       "all",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("view(%d)", int(k))
}

// ParseKind resolves a view name such as "fresh" or "read-later".
func ParseKind(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for k, n := range kindNames {
		if n == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown view %q", name)
}

// ErrCategoryRequired is returned for a Category view without a category.
var ErrCategoryRequired = errors.New("category view requires a category id")

// Request selects a view. CategoryID is required for Category and narrows
// every other view to one category when set. Read posts are hidden unless
// IncludeRead is set, except in the Archived view which ignores the read flag.
type Request struct {
	View        Kind
	CategoryID  *int64
	IncludeRead bool
}

// Options tune an Engine.
type Options struct {
	// FreshPerCategory limits the Fresh view to the newest N posts of each
	// category. Zero means no limit.
	FreshPerCategory int
}

// Engine answers view queries. It is safe for concurrent use.
type Engine struct {
	store *storage.Store
	opts  Options

	// load reads the cacheable contents of one category.
	load func(categoryID int64) ([]storage.Post, error)

	mu    sync.Mutex
	cache map[int64]*entry
}

func NewEngine(store *storage.Store, opts Options) *Engine {
	e := &Engine{
		store: store,
		opts:  opts,
		cache: make(map[int64]*entry),
	}
	e.load = e.loadCategory
	return e
}

// Query returns the posts of a view in display order: published time
// descending, then fetched time descending, then ID ascending.
func (e *Engine) Query(req Request) ([]storage.Post, error) {
	if req.View == Category {
		if req.CategoryID == nil {
			return nil, ErrCategoryRequired
		}
		posts, err := e.categoryPosts(*req.CategoryID)
		if err != nil {
			return nil, err
		}
		return filterRead(posts, req.IncludeRead), nil
	}

	q := storage.PostQuery{CategoryID: req.CategoryID}
	yes, no := true, false
	if !req.IncludeRead {
		q.Read = &no
	}
	switch req.View {
	case Fresh:
		q.Archived = &no
	case Starred:
		q.Starred = &yes
	case ReadLater:
		q.ReadLater = &yes
	case Archived:
		q.Archived = &yes
		q.Read = nil
	case All:
	default:
		return nil, fmt.Errorf("unknown view %v", req.View)
	}

	posts, err := e.store.QueryPosts(q)
	if err != nil {
		return nil, fmt.Errorf("query %s view: %w", req.View, err)
	}
	if req.View == Fresh && e.opts.FreshPerCategory > 0 {
		posts = limitPerCategory(posts, e.opts.FreshPerCategory)
	}
	return posts, nil
}

// loadCategory reads every post of a category, archived ones included.
func (e *Engine) loadCategory(categoryID int64) ([]storage.Post, error) {
	return e.store.QueryPosts(storage.PostQuery{CategoryID: &categoryID})
}

func filterRead(posts []storage.Post, includeRead bool) []storage.Post {
	out := make([]storage.Post, 0, len(posts))
	for _, p := range posts {
		if includeRead || !p.Read {
			out = append(out, p)
		}
	}
	return out
}

// limitPerCategory keeps the first n posts of each category, preserving order.
// Uncategorized posts form their own group.
func limitPerCategory(posts []storage.Post, n int) []storage.Post {
	seen := make(map[int64]int)
	out := posts[:0]
	for _, p := range posts {
		var key int64
		if p.CategoryID != nil {
			key = *p.CategoryID
		}
		if seen[key] < n {
			seen[key]++
			out = append(out, p)
		}
	}
	return out
}

// less reports whether a sorts before b in display order.
func less(a, b storage.Post) bool {
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	return a.ID < b.ID
}

func sortPosts(posts []storage.Post) {
	sort.SliceStable(posts, func(i, j int) bool { return less(posts[i], posts[j]) })
}

func logInvalidate(scope string, id int64) {
	log.WithFields(log.Fields{"scope": scope, "category_id": id}).Debug("view cache invalidated")
}
