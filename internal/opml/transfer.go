package opml

import (
	"encoding/xml"
	"errors"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/matthewjhunter/broadsheet/internal/registry"
	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// Subscriptions is the part of the feed registry that import and export use.
type Subscriptions interface {
	AddFeed(url, title, category string) (*storage.Feed, bool, error)
	AddCategory(name string) (*storage.Category, bool, error)
	Feeds() ([]storage.Feed, error)
	Categories() ([]storage.Category, error)
}

// ImportReport summarizes an import.
type ImportReport struct {
	Imported          int          `json:"imported"`
	Skipped           int          `json:"skipped"`
	CategoriesCreated int          `json:"categories_created"`
	Errors            []EntryError `json:"errors,omitempty"`
}

// Import subscribes to every feed in data. Feeds already subscribed are
// skipped; unusable outlines are reported per entry without stopping the
// import. A document that is not OPML yields ErrMalformedDocument.
func Import(subs Subscriptions, data []byte) (*ImportReport, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{Errors: doc.Errors}
	for _, e := range doc.Entries {
		_, created, err := subs.AddFeed(e.URL, e.Title, e.Category)
		if created {
			report.CategoriesCreated++
		}
		switch {
		case err == nil:
			report.Imported++
		case errors.Is(err, registry.ErrDuplicateFeedURL):
			report.Skipped++
		case errors.Is(err, registry.ErrInvalidURL), errors.Is(err, registry.ErrInvalidCategory):
			report.Errors = append(report.Errors, EntryError{Outline: e.URL, Reason: err.Error()})
		default:
			return report, err
		}
	}
	for _, name := range doc.EmptyCategories {
		_, created, err := subs.AddCategory(name)
		if err != nil {
			if errors.Is(err, registry.ErrInvalidCategory) {
				report.Errors = append(report.Errors, EntryError{Outline: name, Reason: err.Error()})
				continue
			}
			return report, err
		}
		if created {
			report.CategoriesCreated++
		}
	}

	log.WithFields(log.Fields{
		"imported":           report.Imported,
		"skipped":            report.Skipped,
		"categories_created": report.CategoriesCreated,
		"errors":             len(report.Errors),
	}).Info("opml import complete")
	return report, nil
}

// Export renders every subscription as an OPML 2.0 document. Uncategorized
// feeds come first, then one outline per category (empty ones included)
// ordered by name; feeds are ordered by URL within each group.
func Export(subs Subscriptions, title string) ([]byte, error) {
	feeds, err := subs.Feeds()
	if err != nil {
		return nil, err
	}
	categories, err := subs.Categories()
	if err != nil {
		return nil, err
	}

	sort.Slice(feeds, func(i, j int) bool { return feeds[i].URL < feeds[j].URL })
	sort.SliceStable(categories, func(i, j int) bool {
		return strings.ToLower(categories[i].Name) < strings.ToLower(categories[j].Name)
	})

	byCategory := make(map[int64][]Outline)
	var outlines []Outline
	for _, f := range feeds {
		o := feedOutline(f)
		if f.CategoryID == nil {
			outlines = append(outlines, o)
			continue
		}
		byCategory[*f.CategoryID] = append(byCategory[*f.CategoryID], o)
	}
	for _, c := range categories {
		outlines = append(outlines, Outline{Text: c.Name, Title: c.Name, Outlines: byCategory[c.ID]})
	}

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
		},
		Body: Body{Outlines: outlines},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func feedOutline(f storage.Feed) Outline {
	text := f.Title
	if text == "" {
		text = f.URL
	}
	return Outline{Text: text, Title: f.Title, Type: "rss", XMLURL: f.URL}
}
