// Package registry validates and manages feed subscriptions and categories.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

var (
	// ErrInvalidURL is returned for feed URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid feed url")
	// ErrInvalidCategory is returned for empty or unprintable category names.
	ErrInvalidCategory = errors.New("invalid category name")
	// ErrDuplicateFeedURL is returned when the URL is already subscribed.
	ErrDuplicateFeedURL = errors.New("feed url already subscribed")
)

// ValidationError carries the rejected value. It matches its Kind sentinel
// with errors.Is.
type ValidationError struct {
	Kind  error
	Value string
	Cause error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%v: %q", e.Kind, e.Value)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// ValidateURL trims raw and checks it is an absolute http or https URL.
func ValidateURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil {
		return "", &ValidationError{Kind: ErrInvalidURL, Value: raw, Cause: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Kind: ErrInvalidURL, Value: raw, Cause: errors.New("scheme must be http or https")}
	}
	if u.Host == "" {
		return "", &ValidationError{Kind: ErrInvalidURL, Value: raw, Cause: errors.New("missing host")}
	}
	return s, nil
}

// ValidateCategory trims name and rejects empty names and control characters.
func ValidateCategory(name string) (string, error) {
	s := strings.TrimSpace(name)
	if s == "" {
		return "", &ValidationError{Kind: ErrInvalidCategory, Value: name, Cause: errors.New("empty name")}
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", &ValidationError{Kind: ErrInvalidCategory, Value: name, Cause: errors.New("control characters")}
	}
	return s, nil
}

// Registry is the validated front of the store's feed and category records.
type Registry struct {
	store *storage.Store
}

func New(store *storage.Store) *Registry {
	return &Registry{store: store}
}

// AddFeed subscribes to rawURL, creating category when it does not exist.
// An empty category leaves the feed uncategorized. Nothing is fetched.
// The second return value reports whether a category was created.
func (r *Registry) AddFeed(rawURL, title, category string) (*storage.Feed, bool, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, false, err
	}
	if _, err := r.store.GetFeedByURL(u); err == nil {
		return nil, false, &ValidationError{Kind: ErrDuplicateFeedURL, Value: u}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	var categoryID *int64
	created := false
	if strings.TrimSpace(category) != "" {
		cat, c, err := r.AddCategory(category)
		if err != nil {
			return nil, false, err
		}
		categoryID, created = &cat.ID, c
	}

	id, err := r.store.AddFeed(u, strings.TrimSpace(title), categoryID)
	if errors.Is(err, storage.ErrDuplicateFeedURL) {
		return nil, created, &ValidationError{Kind: ErrDuplicateFeedURL, Value: u, Cause: err}
	}
	if err != nil {
		return nil, created, err
	}

	feed, err := r.store.GetFeed(id)
	if err != nil {
		return nil, created, err
	}
	log.WithFields(log.Fields{"feed_id": id, "url": u, "category": feed.CategoryName}).Info("feed added")
	return feed, created, nil
}

// DeleteFeed unsubscribes a feed and removes its posts. It returns the
// deleted feed and how many posts went with it.
func (r *Registry) DeleteFeed(feedID int64) (*storage.Feed, int64, error) {
	feed, err := r.store.GetFeed(feedID)
	if err != nil {
		return nil, 0, err
	}
	removed, err := r.store.DeleteFeed(feedID)
	if err != nil {
		return nil, 0, err
	}
	log.WithFields(log.Fields{"feed_id": feedID, "url": feed.URL, "posts": removed}).Info("feed deleted")
	return feed, removed, nil
}

// Recategorize moves a feed into category, creating it if needed. An empty
// category makes the feed uncategorized. It returns the feed as it was
// before the move.
func (r *Registry) Recategorize(feedID int64, category string) (*storage.Feed, error) {
	before, err := r.store.GetFeed(feedID)
	if err != nil {
		return nil, err
	}
	var categoryID *int64
	if strings.TrimSpace(category) != "" {
		cat, _, err := r.AddCategory(category)
		if err != nil {
			return nil, err
		}
		categoryID = &cat.ID
	}
	if err := r.store.SetFeedCategory(feedID, categoryID); err != nil {
		return nil, err
	}
	return before, nil
}

// Feeds lists every subscription in the order it was added.
func (r *Registry) Feeds() ([]storage.Feed, error) {
	return r.store.ListFeeds()
}

// Categories lists every category by name, including empty ones.
func (r *Registry) Categories() ([]storage.Category, error) {
	return r.store.ListCategories()
}

// AddCategory returns the category called name, creating it if needed.
func (r *Registry) AddCategory(name string) (*storage.Category, bool, error) {
	n, err := ValidateCategory(name)
	if err != nil {
		return nil, false, err
	}
	id, created, err := r.store.EnsureCategory(n)
	if err != nil {
		return nil, false, err
	}
	cat, err := r.store.GetCategory(id)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.WithField("category", cat.Name).Info("category created")
	}
	return cat, created, nil
}

// RenameCategory renames a category. A name already used by another
// category is an ErrInvalidCategory.
func (r *Registry) RenameCategory(categoryID int64, name string) error {
	n, err := ValidateCategory(name)
	if err != nil {
		return err
	}
	err = r.store.RenameCategory(categoryID, n)
	if errors.Is(err, storage.ErrDuplicateCategory) {
		return &ValidationError{Kind: ErrInvalidCategory, Value: name, Cause: err}
	}
	return err
}

// DeleteCategory removes a category; its feeds become uncategorized.
func (r *Registry) DeleteCategory(categoryID int64) error {
	return r.store.DeleteCategory(categoryID)
}

// Source is one configured subscription.
type Source struct {
	URL      string
	Category string
}

// SeedReport summarizes Seed.
type SeedReport struct {
	Added   int
	Skipped int
	Errors  []error
}

// Seed subscribes to each source in order. Already subscribed URLs are
// skipped; invalid entries are collected without stopping the rest.
func (r *Registry) Seed(sources []Source) *SeedReport {
	report := &SeedReport{}
	for _, src := range sources {
		_, _, err := r.AddFeed(src.URL, "", src.Category)
		switch {
		case err == nil:
			report.Added++
		case errors.Is(err, ErrDuplicateFeedURL):
			report.Skipped++
		default:
			report.Errors = append(report.Errors, fmt.Errorf("seed %s: %w", src.URL, err))
		}
	}
	return report
}
