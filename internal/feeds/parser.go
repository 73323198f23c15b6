package feeds

import (
	"bytes"
	"errors"
	"time"

	"github.com/mmcdole/gofeed"
)

// Document is a parsed feed: its title and items in document order.
type Document struct {
	Title string
	Items []Item
}

// Item is one entry of a parsed feed before normalization.
type Item struct {
	GUID        string
	Title       string
	Link        string
	Content     string
	Description string
	Published   *time.Time
	Updated     *time.Time
}

// Parser turns a fetched document into items.
type Parser interface {
	Parse(body []byte) (*Document, error)
}

// GofeedParser parses RSS, Atom and JSON Feed documents.
type GofeedParser struct {
	parser *gofeed.Parser
}

func NewGofeedParser() *GofeedParser {
	return &GofeedParser{parser: gofeed.NewParser()}
}

func (p *GofeedParser) Parse(body []byte) (*Document, error) {
	parsed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		kind := ParseMalformed
		if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			kind = ParseUnsupported
		}
		return nil, &ParseError{Kind: kind, Err: err}
	}

	doc := &Document{Title: parsed.Title, Items: make([]Item, 0, len(parsed.Items))}
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		doc.Items = append(doc.Items, Item{
			GUID:        it.GUID,
			Title:       it.Title,
			Link:        it.Link,
			Content:     it.Content,
			Description: it.Description,
			Published:   it.PublishedParsed,
			Updated:     it.UpdatedParsed,
		})
	}
	return doc, nil
}
