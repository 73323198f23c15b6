// Package broadsheet is a local-first feed aggregation engine. It keeps a
// durable cache of subscribed feeds and their posts, synchronizes it with the
// remote sources, and serves filtered views of the cached posts along with
// their read, starred, read-later and archived state.
package broadsheet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/matthewjhunter/broadsheet/internal/feeds"
	"github.com/matthewjhunter/broadsheet/internal/opml"
	"github.com/matthewjhunter/broadsheet/internal/refresh"
	"github.com/matthewjhunter/broadsheet/internal/registry"
	"github.com/matthewjhunter/broadsheet/internal/retention"
	"github.com/matthewjhunter/broadsheet/internal/state"
	"github.com/matthewjhunter/broadsheet/internal/storage"
	"github.com/matthewjhunter/broadsheet/internal/view"
)

// Engine is the public API for broadsheet. It wraps the store, the refresh
// scheduler, the view cache and the state manager. It is safe for concurrent
// use; refresh cycles are serialized.
type Engine struct {
	store     *storage.Store
	registry  *registry.Registry
	scheduler *refresh.Scheduler
	views     *view.Engine
	states    *state.Manager
	purger    *retention.Purger

	refreshMu sync.Mutex
}

// NewEngine opens the store at cfg.DBPath, subscribes to cfg.Sources and,
// when configured, purges aged posts. The store is held exclusively until
// Close; a second engine on the same file fails with ErrLocked.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	return newEngine(cfg, feeds.NewHTTPFetcher(nil, cfg.UserAgent), feeds.NewGofeedParser())
}

func newEngine(cfg EngineConfig, fetcher feeds.Fetcher, parser feeds.Parser) (*Engine, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	metrics := refresh.NewMetrics(cfg.Registerer)
	scheduler := refresh.NewScheduler(store, fetcher, parser, refresh.Options{
		Workers:      cfg.Workers,
		FetchTimeout: cfg.FetchTimeout,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
	}, metrics)
	views := view.NewEngine(store, view.Options{FreshPerCategory: cfg.FreshPerCategory})

	e := &Engine{
		store:     store,
		registry:  registry.New(store),
		scheduler: scheduler,
		views:     views,
		states:    state.NewManager(store, views),
		purger:    retention.NewPurger(store, retention.Policy{ProtectArchived: cfg.ProtectArchived}),
	}

	if len(cfg.Sources) > 0 {
		e.seed(cfg.Sources)
	}
	if cfg.StartupCleanup {
		if _, err := e.Purge(cfg.RetentionDays); err != nil {
			store.Close()
			return nil, fmt.Errorf("startup cleanup: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) seed(sources []FeedSource) {
	src := make([]registry.Source, len(sources))
	for i, s := range sources {
		src[i] = registry.Source{URL: s.URL, Category: s.Category}
	}
	report := e.registry.Seed(src)
	for _, err := range report.Errors {
		log.WithError(err).Warn("skipping configured feed")
	}
	if report.Added > 0 {
		log.WithField("added", report.Added).Info("subscribed configured feeds")
	}
}

// Refresh runs one refresh cycle and returns its report. Per-feed failures
// are part of the report, not errors. Cancelling ctx stops the cycle early;
// feeds that did not complete are reported as cancelled.
func (e *Engine) Refresh(ctx context.Context) (*RefreshReport, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	report, err := e.scheduler.Run(ctx)
	e.views.InvalidateAll()
	if err != nil {
		return reportFromInternal(report), fmt.Errorf("refresh: %w", err)
	}
	return reportFromInternal(report), nil
}

// List returns the posts of a view, newest first.
func (e *Engine) List(req ListRequest) ([]PostSummary, error) {
	if req.View == "" {
		req.View = ViewFresh
	}
	kind, err := view.ParseKind(string(req.View))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, req.View)
	}
	posts, err := e.views.Query(view.Request{
		View:        kind,
		CategoryID:  req.CategoryID,
		IncludeRead: req.IncludeRead,
	})
	if err != nil {
		return nil, err
	}
	out := make([]PostSummary, len(posts))
	for i, p := range posts {
		out[i] = summaryFromInternal(p)
	}
	return out, nil
}

// Open marks a post read and returns it with its content.
func (e *Engine) Open(postID int64) (*Post, error) {
	p, err := e.states.Open(postID)
	if err != nil {
		return nil, err
	}
	return postFromInternal(p), nil
}

// ToggleState flips one flag of a post and returns the updated post.
func (e *Engine) ToggleState(postID int64, flag Flag) (*Post, error) {
	f, err := flag.internal()
	if err != nil {
		return nil, err
	}
	p, err := e.states.Toggle(postID, f)
	if err != nil {
		return nil, err
	}
	return postFromInternal(p), nil
}

// SetState assigns one flag of a post and returns the updated post.
func (e *Engine) SetState(postID int64, flag Flag, value bool) (*Post, error) {
	f, err := flag.internal()
	if err != nil {
		return nil, err
	}
	p, err := e.states.Set(postID, f, value)
	if err != nil {
		return nil, err
	}
	return postFromInternal(p), nil
}

// DeletePost removes a post. Without confirmed it returns
// ErrConfirmationRequired and deletes nothing.
func (e *Engine) DeletePost(postID int64, confirmed bool) error {
	return e.states.DeletePost(postID, confirmed)
}

// AddFeed subscribes to url under category, creating the category if it is
// new; an empty category leaves the feed uncategorized. The feed is fetched
// on the next refresh.
func (e *Engine) AddFeed(url, category string) (*Feed, error) {
	f, _, err := e.registry.AddFeed(url, "", category)
	if err != nil {
		return nil, err
	}
	return feedFromInternal(*f), nil
}

// DeleteFeed unsubscribes a feed and deletes its posts. It returns how many
// posts were removed.
func (e *Engine) DeleteFeed(feedID int64) (int64, error) {
	f, removed, err := e.registry.DeleteFeed(feedID)
	if err != nil {
		return 0, err
	}
	e.invalidate(f.CategoryID)
	return removed, nil
}

// RecategorizeFeed moves a feed to category, creating it if needed. An
// empty category makes the feed uncategorized.
func (e *Engine) RecategorizeFeed(feedID int64, category string) (*Feed, error) {
	before, err := e.registry.Recategorize(feedID, category)
	if err != nil {
		return nil, err
	}
	after, err := e.store.GetFeed(feedID)
	if err != nil {
		return nil, err
	}
	e.invalidate(before.CategoryID)
	e.invalidate(after.CategoryID)
	return feedFromInternal(*after), nil
}

// Feeds returns every subscription.
func (e *Engine) Feeds() ([]Feed, error) {
	ff, err := e.registry.Feeds()
	if err != nil {
		return nil, err
	}
	out := make([]Feed, len(ff))
	for i, f := range ff {
		out[i] = *feedFromInternal(f)
	}
	return out, nil
}

// Categories returns every category by name, including empty ones.
func (e *Engine) Categories() ([]Category, error) {
	cc, err := e.registry.Categories()
	if err != nil {
		return nil, err
	}
	out := make([]Category, len(cc))
	for i, c := range cc {
		out[i] = categoryFromInternal(c)
	}
	return out, nil
}

// AddCategory returns the category called name, creating it if needed.
func (e *Engine) AddCategory(name string) (*Category, error) {
	c, _, err := e.registry.AddCategory(name)
	if err != nil {
		return nil, err
	}
	out := categoryFromInternal(*c)
	return &out, nil
}

func (e *Engine) RenameCategory(categoryID int64, name string) error {
	if err := e.registry.RenameCategory(categoryID, name); err != nil {
		return err
	}
	e.views.Invalidate(categoryID)
	return nil
}

// DeleteCategory removes a category. Its feeds and their posts are kept and
// become uncategorized.
func (e *Engine) DeleteCategory(categoryID int64) error {
	if err := e.registry.DeleteCategory(categoryID); err != nil {
		return err
	}
	e.views.Invalidate(categoryID)
	return nil
}

// SelectCategory is called when a reader switches to a category. The
// category's cached contents are dropped so the next List reloads them.
func (e *Engine) SelectCategory(categoryID int64) {
	e.views.Invalidate(categoryID)
}

// ExportOPML renders every subscription as an OPML 2.0 document.
func (e *Engine) ExportOPML() ([]byte, error) {
	return opml.Export(e.registry, "broadsheet subscriptions")
}

// ImportOPML subscribes to the feeds of an OPML document. Entries that
// cannot be used are listed in the report; a document that is not OPML
// returns ErrMalformedDocument and imports nothing.
func (e *Engine) ImportOPML(data []byte) (*ImportReport, error) {
	r, err := opml.Import(e.registry, data)
	if r == nil {
		return nil, err
	}
	out := &ImportReport{
		Imported:          r.Imported,
		Skipped:           r.Skipped,
		CategoriesCreated: r.CategoriesCreated,
	}
	for _, ee := range r.Errors {
		out.Errors = append(out.Errors, ee.Error())
	}
	return out, err
}

// Purge deletes posts fetched more than days ago unless they are starred or
// saved for later (or archived, when ProtectArchived is set). It returns the
// number of posts deleted.
func (e *Engine) Purge(days int) (int64, error) {
	n, err := e.purger.Purge(days)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.views.InvalidateAll()
	}
	return n, nil
}

// Stats returns store-wide and per-category counts.
func (e *Engine) Stats() (*Stats, error) {
	s, err := e.store.Stats()
	if err != nil {
		return nil, err
	}
	return statsFromInternal(s), nil
}

// Reset deletes every feed, category and post. Without confirmed it returns
// ErrConfirmationRequired and deletes nothing.
func (e *Engine) Reset(confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	if err := e.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	e.views.InvalidateAll()
	log.WithField("path", e.store.Path()).Warn("store reset")
	return nil
}

// Path returns the store file the engine was opened on.
func (e *Engine) Path() string {
	return e.store.Path()
}

// Close releases all resources held by the engine.
func (e *Engine) Close() error {
	return e.store.Close()
}

// ResetStore deletes the store file at path. It is the recovery path when
// NewEngine fails with ErrCorrupt, and must not be used on an open store.
func ResetStore(path string) error {
	return storage.Remove(path)
}

func (e *Engine) invalidate(categoryID *int64) {
	if categoryID != nil {
		e.views.Invalidate(*categoryID)
	}
}

// --- internal type conversion helpers ---

func (f Flag) internal() (storage.Flag, error) {
	switch f {
	case FlagRead:
		return storage.FlagRead, nil
	case FlagStarred:
		return storage.FlagStarred, nil
	case FlagReadLater:
		return storage.FlagReadLater, nil
	case FlagArchived:
		return storage.FlagArchived, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFlag, string(f))
}

func summaryFromInternal(p storage.Post) PostSummary {
	return PostSummary{
		ID:           p.ID,
		FeedID:       p.FeedID,
		FeedTitle:    p.FeedTitle,
		CategoryID:   p.CategoryID,
		CategoryName: p.CategoryName,
		Title:        p.Title,
		Link:         p.Link,
		Summary:      p.Summary,
		PublishedAt:  p.PublishedAt,
		FetchedAt:    p.FetchedAt,
		Read:         p.Read,
		Starred:      p.Starred,
		ReadLater:    p.ReadLater,
		Archived:     p.Archived,
	}
}

func postFromInternal(p *storage.Post) *Post {
	return &Post{PostSummary: summaryFromInternal(*p), Content: p.Content}
}

func feedFromInternal(f storage.Feed) *Feed {
	return &Feed{
		ID:           f.ID,
		URL:          f.URL,
		Title:        f.Title,
		CategoryID:   f.CategoryID,
		CategoryName: f.CategoryName,
		LastFetched:  f.LastFetched,
		LastAttempt:  f.LastAttempt,
		FailureCount: f.FailureCount,
		LastError:    f.LastError,
		CreatedAt:    f.CreatedAt,
	}
}

func categoryFromInternal(c storage.Category) Category {
	return Category{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt}
}

func reportFromInternal(r *refresh.Report) *RefreshReport {
	out := &RefreshReport{
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Feeds:       make([]FeedRefresh, len(r.Feeds)),
		New:         r.New,
		Updated:     r.Updated,
		Unchanged:   r.Unchanged,
		PostErrors:  r.PostErrors,
		OK:          r.OK,
		NotModified: r.NotModified,
		Failed:      r.Failed,
		Deferred:    r.Deferred,
		Cancelled:   r.Cancelled,
	}
	for i, f := range r.Feeds {
		out.Feeds[i] = FeedRefresh{
			FeedID:     f.FeedID,
			URL:        f.URL,
			Title:      f.Title,
			Status:     string(f.Status),
			Reason:     f.Reason,
			Error:      f.Error,
			New:        f.New,
			Updated:    f.Updated,
			Unchanged:  f.Unchanged,
			PostErrors: f.PostErrors,
			Duration:   f.Duration,
			RetryAt:    f.RetryAt,
		}
	}
	return out
}

func statsFromInternal(s *storage.Stats) *Stats {
	out := &Stats{
		Feeds:        s.Feeds,
		Categories:   s.Categories,
		FailingFeeds: s.FailingFeeds,
		Posts:        s.Posts,
		Read:         s.Read,
		Unread:       s.Unread,
		Starred:      s.Starred,
		ReadLater:    s.ReadLater,
		Archived:     s.Archived,
		PerCategory:  make([]CategoryStats, len(s.PerCategory)),
	}
	for i, c := range s.PerCategory {
		out.PerCategory[i] = CategoryStats{ID: c.ID, Name: c.Name, Feeds: c.Feeds, Posts: c.Posts, Unread: c.Unread}
	}
	return out
}
