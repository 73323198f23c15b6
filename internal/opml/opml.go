// Package opml imports and exports subscription lists as OPML.
package opml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedDocument is returned when a document is not XML or its root
// element is not <opml>. Nothing is imported from such a document.
var ErrMalformedDocument = errors.New("malformed opml document")

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (category or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

func (o Outline) label() string {
	if s := strings.TrimSpace(o.Text); s != "" {
		return s
	}
	return strings.TrimSpace(o.Title)
}

func (o Outline) isFeedType() bool {
	switch strings.ToLower(strings.TrimSpace(o.Type)) {
	case "rss", "atom", "feed":
		return true
	}
	return false
}

// Entry is a feed found in a document. Category is the label of the
// outline directly containing it, empty at top level.
type Entry struct {
	URL      string
	Title    string
	Category string
}

// EntryError describes an outline that could not be used.
type EntryError struct {
	Outline string // label or URL identifying the outline
	Reason  string
}

func (e EntryError) Error() string {
	if e.Outline == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Outline, e.Reason)
}

// Document is the usable content of a parsed OPML file, in document order.
type Document struct {
	Entries         []Entry
	EmptyCategories []string
	Errors          []EntryError
}

// Parse decodes data. Only structural failures are errors; outlines that
// cannot be used are collected in Document.Errors.
func Parse(data []byte) (*Document, error) {
	var root OPML
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	doc := &Document{}
	var walk func(outlines []Outline, parent string)
	walk = func(outlines []Outline, parent string) {
		for _, o := range outlines {
			label := o.label()
			switch {
			case strings.TrimSpace(o.XMLURL) != "":
				doc.Entries = append(doc.Entries, Entry{
					URL:      strings.TrimSpace(o.XMLURL),
					Title:    firstNonEmpty(o.Title, o.Text),
					Category: parent,
				})
			case o.isFeedType():
				doc.Errors = append(doc.Errors, EntryError{Outline: label, Reason: "feed outline has no xmlUrl"})
			case label == "":
				doc.Errors = append(doc.Errors, EntryError{Reason: "outline has neither a label nor a feed url"})
				walk(o.Outlines, "")
			case len(o.Outlines) == 0:
				doc.EmptyCategories = append(doc.EmptyCategories, label)
			default:
				walk(o.Outlines, label)
			}
		}
	}
	walk(root.Body.Outlines, "")
	return doc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
