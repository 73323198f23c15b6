package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matthewjhunter/broadsheet"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatText, FormatHuman:
		return f, nil
	}
	return "", fmt.Errorf("unknown format: %s", s)
}

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

// OutputRefreshReport outputs the result of a refresh cycle
func (f *Formatter) OutputRefreshReport(r *broadsheet.RefreshReport) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "new=%d\tupdated=%d\tunchanged=%d\tpost_errors=%d\n", r.New, r.Updated, r.Unchanged, r.PostErrors)
		fmt.Fprintf(f.out, "ok=%d\tnot_modified=%d\tfailed=%d\tdeferred=%d\tcancelled=%d\n",
			r.OK, r.NotModified, r.Failed, r.Deferred, r.Cancelled)
		for _, fr := range r.Feeds {
			if fr.Status == "failed" {
				fmt.Fprintf(f.out, "failed\tid=%d\turl=%s\treason=%s\terror=%s\n", fr.FeedID, fr.URL, fr.Reason, fr.Error)
			}
		}
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Refreshed %s feeds in %s\n",
			humanize.Comma(int64(len(r.Feeds))), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		fmt.Fprintf(f.out, "%s new, %s updated, %s unchanged\n",
			humanize.Comma(int64(r.New)), humanize.Comma(int64(r.Updated)), humanize.Comma(int64(r.Unchanged)))
		if r.NotModified > 0 {
			fmt.Fprintf(f.out, "%d feeds not modified\n", r.NotModified)
		}
		if r.Deferred > 0 {
			fmt.Fprintf(f.out, "%d failing feeds deferred\n", r.Deferred)
		}
		if r.Cancelled > 0 {
			fmt.Fprintf(f.out, "%d feeds cancelled\n", r.Cancelled)
		}
		for _, fr := range r.Feeds {
			if fr.Status == "failed" {
				fmt.Fprintf(f.out, "✗ %s (%s): %s\n", feedLabel(fr.Title, fr.URL), fr.Reason, fr.Error)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputPostList outputs a list of posts
func (f *Formatter) OutputPostList(posts []broadsheet.PostSummary) error {
	switch f.format {
	case FormatJSON:
		if posts == nil {
			posts = []broadsheet.PostSummary{}
		}
		return json.NewEncoder(f.out).Encode(posts)
	case FormatText:
		for _, p := range posts {
			fmt.Fprintf(f.out, "id=%d\tflags=%s\ttitle=%s\turl=%s\tpublished=%s\n",
				p.ID, flagString(p), p.Title, p.Link, p.PublishedAt.Format(time.RFC3339))
		}
		return nil
	case FormatHuman:
		if len(posts) == 0 {
			fmt.Fprintln(f.out, "No posts")
			return nil
		}
		fmt.Fprintf(f.out, "Posts (%d):\n\n", len(posts))
		for _, p := range posts {
			fmt.Fprintf(f.out, "[%d] %s %s\n", p.ID, flagMarks(p), p.Title)
			fmt.Fprintf(f.out, "    %s · %s\n", p.FeedTitle, humanize.Time(p.PublishedAt))
			if p.Link != "" {
				fmt.Fprintf(f.out, "    %s\n", p.Link)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputPost outputs a single post with its content
func (f *Formatter) OutputPost(p *broadsheet.Post) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(p)
	case FormatText:
		fmt.Fprintf(f.out, "id=%d\tflags=%s\ttitle=%s\turl=%s\tpublished=%s\n",
			p.ID, flagString(p.PostSummary), p.Title, p.Link, p.PublishedAt.Format(time.RFC3339))
		fmt.Fprintln(f.out, p.Content)
		return nil
	case FormatHuman:
		fmt.Fprintln(f.out, p.Title)
		fmt.Fprintln(f.out, strings.Repeat("=", 70))
		fmt.Fprintf(f.out, "%s · %s\n", p.FeedTitle, p.PublishedAt.Local().Format("2006-01-02 15:04"))
		if p.Link != "" {
			fmt.Fprintln(f.out, p.Link)
		}
		body := p.Summary
		if body == "" {
			body = p.Content
		}
		if body != "" {
			fmt.Fprintf(f.out, "\n%s\n", body)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputFeeds outputs the subscription list
func (f *Formatter) OutputFeeds(feeds []broadsheet.Feed) error {
	switch f.format {
	case FormatJSON:
		if feeds == nil {
			feeds = []broadsheet.Feed{}
		}
		return json.NewEncoder(f.out).Encode(feeds)
	case FormatText:
		for _, fd := range feeds {
			fmt.Fprintf(f.out, "id=%d\turl=%s\ttitle=%s\tcategory=%s\tfailures=%d\tlast_fetched=%s\n",
				fd.ID, fd.URL, fd.Title, fd.CategoryName, fd.FailureCount, formatTime(fd.LastFetched))
		}
		return nil
	case FormatHuman:
		if len(feeds) == 0 {
			fmt.Fprintln(f.out, "No feeds")
			return nil
		}
		for _, fd := range feeds {
			category := fd.CategoryName
			if category == "" {
				category = "uncategorized"
			}
			fmt.Fprintf(f.out, "[%d] %s (%s)\n", fd.ID, feedLabel(fd.Title, fd.URL), category)
			switch {
			case fd.LastError != nil:
				fmt.Fprintf(f.out, "    failing (%d): %s\n", fd.FailureCount, *fd.LastError)
			case fd.LastFetched != nil:
				fmt.Fprintf(f.out, "    fetched %s\n", humanize.Time(*fd.LastFetched))
			default:
				fmt.Fprintln(f.out, "    never fetched")
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputCategories outputs the category list
func (f *Formatter) OutputCategories(categories []broadsheet.Category) error {
	switch f.format {
	case FormatJSON:
		if categories == nil {
			categories = []broadsheet.Category{}
		}
		return json.NewEncoder(f.out).Encode(categories)
	case FormatText:
		for _, c := range categories {
			fmt.Fprintf(f.out, "id=%d\tname=%s\n", c.ID, c.Name)
		}
		return nil
	case FormatHuman:
		if len(categories) == 0 {
			fmt.Fprintln(f.out, "No categories")
			return nil
		}
		for _, c := range categories {
			fmt.Fprintf(f.out, "[%d] %s\n", c.ID, c.Name)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputStats outputs store statistics
func (f *Formatter) OutputStats(s *broadsheet.Stats) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(s)
	case FormatText:
		fmt.Fprintf(f.out, "feeds=%d\tcategories=%d\tfailing_feeds=%d\n", s.Feeds, s.Categories, s.FailingFeeds)
		fmt.Fprintf(f.out, "posts=%d\tread=%d\tunread=%d\tstarred=%d\tread_later=%d\tarchived=%d\n",
			s.Posts, s.Read, s.Unread, s.Starred, s.ReadLater, s.Archived)
		for _, c := range s.PerCategory {
			fmt.Fprintf(f.out, "category=%s\tfeeds=%d\tposts=%d\tunread=%d\n", categoryLabel(c), c.Feeds, c.Posts, c.Unread)
		}
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "%s feeds in %s categories", humanize.Comma(int64(s.Feeds)), humanize.Comma(int64(s.Categories)))
		if s.FailingFeeds > 0 {
			fmt.Fprintf(f.out, " (%d failing)", s.FailingFeeds)
		}
		fmt.Fprintln(f.out)
		fmt.Fprintf(f.out, "%s posts: %s unread, %s read\n",
			humanize.Comma(int64(s.Posts)), humanize.Comma(int64(s.Unread)), humanize.Comma(int64(s.Read)))
		fmt.Fprintf(f.out, "%d starred, %d saved for later, %d archived\n", s.Starred, s.ReadLater, s.Archived)
		if len(s.PerCategory) > 0 {
			fmt.Fprintln(f.out)
		}
		for _, c := range s.PerCategory {
			fmt.Fprintf(f.out, "  %-24s %4d feeds %6d posts %6d unread\n", categoryLabel(c), c.Feeds, c.Posts, c.Unread)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputImportReport outputs the result of an OPML import
func (f *Formatter) OutputImportReport(r *broadsheet.ImportReport) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "imported=%d\tskipped=%d\tcategories_created=%d\terrors=%d\n",
			r.Imported, r.Skipped, r.CategoriesCreated, len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(f.out, "error\t%s\n", e)
		}
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Imported %d feeds", r.Imported)
		if r.Skipped > 0 {
			fmt.Fprintf(f.out, ", skipped %d already subscribed", r.Skipped)
		}
		if r.CategoriesCreated > 0 {
			fmt.Fprintf(f.out, ", created %d categories", r.CategoriesCreated)
		}
		fmt.Fprintln(f.out)
		for _, e := range r.Errors {
			fmt.Fprintf(f.out, "✗ %s\n", e)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputEvent reports a completed action. message is the human rendering;
// fields carry the machine-readable details.
func (f *Formatter) OutputEvent(event, message string, fields map[string]interface{}) error {
	switch f.format {
	case FormatJSON:
		obj := map[string]interface{}{"event": event}
		for k, v := range fields {
			obj[k] = v
		}
		return json.NewEncoder(f.out).Encode(obj)
	case FormatText:
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		fmt.Fprintf(&b, "event=%s", event)
		for _, k := range keys {
			fmt.Fprintf(&b, "\t%s=%v", k, fields[k])
		}
		fmt.Fprintln(f.out, b.String())
		return nil
	case FormatHuman:
		fmt.Fprintln(f.out, message)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}

// formatTime formats a time pointer for output
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func feedLabel(title, url string) string {
	if title != "" {
		return title
	}
	return url
}

func categoryLabel(c broadsheet.CategoryStats) string {
	if c.ID == nil {
		return "(uncategorized)"
	}
	return c.Name
}

// flagString lists a post's set flags, comma separated, or "-".
func flagString(p broadsheet.PostSummary) string {
	var flags []string
	if p.Read {
		flags = append(flags, "read")
	}
	if p.Starred {
		flags = append(flags, "starred")
	}
	if p.ReadLater {
		flags = append(flags, "read_later")
	}
	if p.Archived {
		flags = append(flags, "archived")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// flagMarks is the compact human rendering of a post's flags.
func flagMarks(p broadsheet.PostSummary) string {
	marks := []byte("    ")
	if !p.Read {
		marks[0] = '*'
	}
	if p.Starred {
		marks[1] = 'S'
	}
	if p.ReadLater {
		marks[2] = 'L'
	}
	if p.Archived {
		marks[3] = 'A'
	}
	return string(marks)
}
