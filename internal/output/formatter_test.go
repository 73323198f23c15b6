package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/matthewjhunter/broadsheet"
)

func sampleReport() *broadsheet.RefreshReport {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &broadsheet.RefreshReport{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Feeds: []broadsheet.FeedRefresh{
			{FeedID: 1, URL: "https://a.example.com/feed", Title: "A", Status: "ok", New: 3},
			{FeedID: 2, URL: "https://b.example.com/feed", Status: "failed", Reason: "timeout", Error: "deadline exceeded"},
		},
		New:    3,
		OK:     1,
		Failed: 1,
	}
}

func samplePosts() []broadsheet.PostSummary {
	return []broadsheet.PostSummary{
		{ID: 7, FeedTitle: "A", Title: "Hello", Link: "https://a.example.com/1", PublishedAt: time.Now().Add(-2 * time.Hour), Starred: true},
		{ID: 8, FeedTitle: "A", Title: "World", Link: "https://a.example.com/2", PublishedAt: time.Now().Add(-3 * time.Hour), Read: true, Archived: true},
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"json", "text", "human"} {
		if _, err := ParseFormat(s); err != nil {
			t.Errorf("ParseFormat(%q): %v", s, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestOutputRefreshReport_JSON(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatJSON, &out, &errBuf)

	if err := f.OutputRefreshReport(sampleReport()); err != nil {
		t.Fatalf("OutputRefreshReport failed: %v", err)
	}

	var decoded broadsheet.RefreshReport
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if decoded.New != 3 {
		t.Errorf("New = %d, want 3", decoded.New)
	}
	if len(decoded.Feeds) != 2 || decoded.Feeds[1].Reason != "timeout" {
		t.Errorf("Feeds = %+v", decoded.Feeds)
	}
}

func TestOutputRefreshReport_Text(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)

	if err := f.OutputRefreshReport(sampleReport()); err != nil {
		t.Fatalf("OutputRefreshReport failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{"new=3", "failed=1", "reason=timeout", "url=https://b.example.com/feed"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output: %s", want, got)
		}
	}
	if strings.Contains(got, "url=https://a.example.com/feed") {
		t.Errorf("successful feeds should not be listed: %s", got)
	}
}

func TestOutputRefreshReport_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	if err := f.OutputRefreshReport(sampleReport()); err != nil {
		t.Fatalf("OutputRefreshReport failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Refreshed 2 feeds in 1.5s") {
		t.Errorf("missing summary line: %s", got)
	}
	if !strings.Contains(got, "3 new, 0 updated, 0 unchanged") {
		t.Errorf("missing counts: %s", got)
	}
	if !strings.Contains(got, "https://b.example.com/feed (timeout)") {
		t.Errorf("untitled failing feed should be labelled by URL: %s", got)
	}
}

func TestOutputPostList(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)
	if err := f.OutputPostList(samplePosts()); err != nil {
		t.Fatalf("OutputPostList failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "id=7\tflags=starred") {
		t.Errorf("line 0: %s", lines[0])
	}
	if !strings.Contains(lines[1], "flags=read,archived") {
		t.Errorf("line 1: %s", lines[1])
	}

	out.Reset()
	f = NewFormatterWithWriters(FormatHuman, &out, &errBuf)
	if err := f.OutputPostList(samplePosts()); err != nil {
		t.Fatalf("OutputPostList failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "[7] *S   Hello") {
		t.Errorf("missing flag marks: %s", got)
	}
	if !strings.Contains(got, "2 hours ago") {
		t.Errorf("missing relative time: %s", got)
	}
}

func TestOutputPostList_Empty(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatJSON, &out, &errBuf)
	if err := f.OutputPostList(nil); err != nil {
		t.Fatalf("OutputPostList failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Errorf("empty list should encode as [], got %s", out.String())
	}

	out.Reset()
	f = NewFormatterWithWriters(FormatHuman, &out, &errBuf)
	if err := f.OutputPostList(nil); err != nil {
		t.Fatalf("OutputPostList failed: %v", err)
	}
	if !strings.Contains(out.String(), "No posts") {
		t.Errorf("got %s", out.String())
	}
}

func TestOutputFeeds_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	msg := "http status 500"
	fetched := time.Now().Add(-time.Hour)
	feeds := []broadsheet.Feed{
		{ID: 1, URL: "https://a.example.com/feed", Title: "A", CategoryName: "Tech", LastFetched: &fetched},
		{ID: 2, URL: "https://b.example.com/feed", FailureCount: 2, LastError: &msg},
		{ID: 3, URL: "https://c.example.com/feed"},
	}
	if err := f.OutputFeeds(feeds); err != nil {
		t.Fatalf("OutputFeeds failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"[1] A (Tech)", "fetched 1 hour ago", "failing (2): http status 500", "(uncategorized)", "never fetched"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output: %s", want, got)
		}
	}
}

func TestOutputStats_Text(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)

	id := int64(1)
	stats := &broadsheet.Stats{
		Feeds: 2, Categories: 1, Posts: 10, Read: 4, Unread: 6, Starred: 1,
		PerCategory: []broadsheet.CategoryStats{
			{ID: &id, Name: "Tech", Feeds: 1, Posts: 7, Unread: 5},
			{Name: "", Feeds: 1, Posts: 3, Unread: 1},
		},
	}
	if err := f.OutputStats(stats); err != nil {
		t.Fatalf("OutputStats failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"feeds=2", "posts=10\tread=4\tunread=6", "category=Tech\tfeeds=1\tposts=7", "category=(uncategorized)"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output: %s", want, got)
		}
	}
}

func TestOutputImportReport_Human(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)

	report := &broadsheet.ImportReport{Imported: 5, Skipped: 1, Errors: []string{"Broken: feed outline has no xmlUrl"}}
	if err := f.OutputImportReport(report); err != nil {
		t.Fatalf("OutputImportReport failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Imported 5 feeds, skipped 1 already subscribed") {
		t.Errorf("missing summary: %s", got)
	}
	if !strings.Contains(got, "✗ Broken: feed outline has no xmlUrl") {
		t.Errorf("missing entry error: %s", got)
	}
}

func TestOutputEvent(t *testing.T) {
	fields := map[string]interface{}{"post_id": 7, "flag": "starred"}

	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatText, &out, &errBuf)
	if err := f.OutputEvent("post_updated", "Starred post 7", fields); err != nil {
		t.Fatalf("OutputEvent failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "event=post_updated\tflag=starred\tpost_id=7" {
		t.Errorf("text event: %q", got)
	}

	out.Reset()
	f = NewFormatterWithWriters(FormatJSON, &out, &errBuf)
	if err := f.OutputEvent("post_updated", "Starred post 7", fields); err != nil {
		t.Fatalf("OutputEvent failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if decoded["event"] != "post_updated" || decoded["flag"] != "starred" {
		t.Errorf("json event: %v", decoded)
	}

	out.Reset()
	f = NewFormatterWithWriters(FormatHuman, &out, &errBuf)
	if err := f.OutputEvent("post_updated", "Starred post 7", fields); err != nil {
		t.Fatalf("OutputEvent failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "Starred post 7" {
		t.Errorf("human event: %q", out.String())
	}
}

func TestUnknownFormat(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(Format("xml"), &out, &errBuf)
	if err := f.OutputStats(&broadsheet.Stats{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWarning(t *testing.T) {
	var out, errBuf bytes.Buffer
	f := NewFormatterWithWriters(FormatHuman, &out, &errBuf)
	f.Warning("feed %d is failing", 3)
	if errBuf.String() != "Warning: feed 3 is failing\n" {
		t.Errorf("Warning wrote %q", errBuf.String())
	}
	if out.Len() != 0 {
		t.Errorf("Warning wrote to stdout: %q", out.String())
	}
}
