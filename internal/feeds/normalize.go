package feeds

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

const summaryLength = 280

// Normalizer turns parsed items into store-ready posts.
type Normalizer struct {
	content *bluemonday.Policy
	text    *bluemonday.Policy
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		content: bluemonday.UGCPolicy(),
		text:    bluemonday.StrictPolicy(),
	}
}

// DedupKey identifies an item within its feed: the source guid when present,
// otherwise a hash of title and link.
func DedupKey(it Item) string {
	if guid := strings.TrimSpace(it.GUID); guid != "" {
		return guid
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(it.Title) + "\n" + strings.TrimSpace(it.Link)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Normalize converts an item fetched at fetchedAt into a post for feedID.
// Content is sanitized HTML; the summary is a plain-text excerpt. The
// published time falls back to the updated time, then to fetchedAt; the
// last case is marked Undated so a later refresh does not move the post.
func (n *Normalizer) Normalize(feedID int64, it Item, fetchedAt time.Time) (*storage.PostInput, error) {
	title := strings.TrimSpace(it.Title)
	link := strings.TrimSpace(it.Link)
	if strings.TrimSpace(it.GUID) == "" && title == "" && link == "" {
		return nil, ErrUnusableItem
	}

	raw := it.Content
	if strings.TrimSpace(raw) == "" {
		raw = it.Description
	}
	excerptSource := it.Description
	if strings.TrimSpace(excerptSource) == "" {
		excerptSource = raw
	}

	published, undated := fetchedAt, false
	switch {
	case it.Published != nil && !it.Published.IsZero():
		published = *it.Published
	case it.Updated != nil && !it.Updated.IsZero():
		published = *it.Updated
	default:
		undated = true
	}

	return &storage.PostInput{
		FeedID:      feedID,
		DedupKey:    DedupKey(it),
		Title:       html.UnescapeString(n.text.Sanitize(title)),
		Link:        link,
		Content:     n.content.Sanitize(raw),
		Summary:     n.excerpt(excerptSource),
		PublishedAt: published.UTC(),
		FetchedAt:   fetchedAt.UTC(),
		Undated:     undated,
	}, nil
}

func (n *Normalizer) excerpt(s string) string {
	text := html.UnescapeString(n.text.Sanitize(s))
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= summaryLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:summaryLength])) + "…"
}
