package refresh

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewjhunter/broadsheet/internal/feeds"
	"github.com/matthewjhunter/broadsheet/internal/storage"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <item>
      <guid>item-1</guid>
      <title>First</title>
      <link>https://example.com/1</link>
      <description>Hello</description>
      <pubDate>Mon, 16 Feb 2026 10:00:00 GMT</pubDate>
    </item>
    <item>
      <guid>item-2</guid>
      <title>Second</title>
      <link>https://example.com/2</link>
      <description>World</description>
      <pubDate>Mon, 16 Feb 2026 11:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestScheduler(store *storage.Store, opts Options) *Scheduler {
	return NewScheduler(store, feeds.NewHTTPFetcher(nil, ""), feeds.NewGofeedParser(), opts, nil)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestRunMergesPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	store := newTestStore(t)
	feedID, err := store.AddFeed(srv.URL+"/feed", "", nil)
	require.NoError(t, err)

	s := newTestScheduler(store, Options{})
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Feeds, 1)

	assert.Equal(t, StatusOK, report.Feeds[0].Status)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, 1, report.OK)

	feed, err := store.GetFeed(feedID)
	require.NoError(t, err)
	assert.Equal(t, "Test Feed", feed.Title, "empty feed title is filled from the document")
	assert.NotNil(t, feed.LastFetched)
	assert.Zero(t, feed.FailureCount)

	posts, err := store.QueryPosts(storage.PostQuery{})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "Second", posts[0].Title, "newest published first")
}

func TestRunIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.AddFeed(srv.URL, "Feed", nil)
	require.NoError(t, err)

	s := newTestScheduler(store, Options{})
	_, err = s.Run(context.Background())
	require.NoError(t, err)

	posts, err := store.QueryPosts(storage.PostQuery{})
	require.NoError(t, err)
	_, err = store.SetPostFlag(posts[0].ID, storage.FlagStarred, true)
	require.NoError(t, err)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.New)
	assert.Zero(t, report.Updated)
	assert.Equal(t, 2, report.Unchanged)

	again, err := store.GetPost(posts[0].ID)
	require.NoError(t, err)
	assert.True(t, again.Starred)
	assert.False(t, again.Read)
}

func TestRunUndatedItemIsStable(t *testing.T) {
	const undatedRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Undated</title>
    <item>
      <guid>no-date</guid>
      <title>Timeless</title>
      <link>https://example.com/timeless</link>
    </item>
  </channel>
</rss>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, undatedRSS)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.AddFeed(srv.URL, "Feed", nil)
	require.NoError(t, err)

	first := time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)
	c := &clock{t: first}
	s := newTestScheduler(store, Options{})
	s.now = c.now

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.New)

	c.t = c.t.Add(time.Hour)
	report, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.New)
	assert.Zero(t, report.Updated)
	assert.Equal(t, 1, report.Unchanged)

	posts, err := store.QueryPosts(storage.PostQuery{})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.True(t, posts[0].PublishedAt.Equal(first), "published time stays at the first fetch")
}

func TestRunNotModified(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	store := newTestStore(t)
	feedID, err := store.AddFeed(srv.URL, "Feed", nil)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)}
	s := newTestScheduler(store, Options{})
	s.now = c.now

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	report, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, StatusNotModified, report.Feeds[0].Status)
	assert.Zero(t, report.New+report.Updated+report.Unchanged)

	feed, err := store.GetFeed(feedID)
	require.NoError(t, err)
	require.NotNil(t, feed.LastFetched)
	assert.True(t, feed.LastFetched.Equal(c.t))
	assert.Equal(t, `"v1"`, feed.ETag, "validators kept on 304")
}

func TestRunIsolatesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, testRSS) })
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"g1"`)
		fmt.Fprint(w, "not a feed")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t)
	goodID, err := store.AddFeed(srv.URL+"/good", "Good", nil)
	require.NoError(t, err)
	badID, err := store.AddFeed(srv.URL+"/bad", "Bad", nil)
	require.NoError(t, err)
	garbageID, err := store.AddFeed(srv.URL+"/garbage", "Garbage", nil)
	require.NoError(t, err)

	report, err := newTestScheduler(store, Options{Workers: 2}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Feeds, 3)

	assert.Equal(t, StatusOK, report.Feeds[0].Status)
	assert.Equal(t, StatusFailed, report.Feeds[1].Status)
	assert.Equal(t, "http_status", report.Feeds[1].Reason)
	assert.Equal(t, StatusFailed, report.Feeds[2].Status)
	assert.Equal(t, "parse", report.Feeds[2].Reason)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.New)

	bad, err := store.GetFeed(badID)
	require.NoError(t, err)
	assert.Equal(t, 1, bad.FailureCount)
	require.NotNil(t, bad.LastError)
	assert.Nil(t, bad.LastFetched)

	garbage, err := store.GetFeed(garbageID)
	require.NoError(t, err)
	assert.Equal(t, 1, garbage.FailureCount)
	assert.Equal(t, `"g1"`, garbage.ETag, "validators of an unparseable 200 are stored")

	good, err := store.GetFeed(goodID)
	require.NoError(t, err)
	assert.Zero(t, good.FailureCount)
}

func TestRunDefersFailingFeeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.AddFeed(srv.URL, "Flaky", nil)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)}
	s := newTestScheduler(store, Options{BackoffBase: 5 * time.Minute, BackoffMax: time.Hour})
	s.now = c.now

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	c.t = c.t.Add(time.Minute)
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, report.Feeds[0].Status)
	require.NotNil(t, report.Feeds[0].RetryAt)
	assert.Equal(t, int32(1), hits.Load())

	c.t = c.t.Add(5 * time.Minute)
	report, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Feeds[0].Status)
	assert.Equal(t, int32(2), hits.Load())

	// Two failures now: the window doubles to ten minutes.
	c.t = c.t.Add(6 * time.Minute)
	report, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, report.Feeds[0].Status)
}

func TestRunWithoutBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.AddFeed(srv.URL, "Flaky", nil)
	require.NoError(t, err)

	s := newTestScheduler(store, Options{})
	for i := 0; i < 2; i++ {
		report, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, report.Feeds[0].Status)
	}
}

func TestRunCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no fetch expected after cancellation")
	}))
	defer srv.Close()

	store := newTestStore(t)
	for _, path := range []string{"/a", "/b", "/c"} {
		_, err := store.AddFeed(srv.URL+path, "", nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newTestScheduler(store, Options{}).Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Cancelled)

	feedsAfter, err := store.ListFeeds()
	require.NoError(t, err)
	for _, f := range feedsAfter {
		assert.Nil(t, f.LastAttempt, "cancelled feeds are not recorded as attempts")
	}
}

func TestRunCancelledMidCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, testRSS) })
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.AddFeed(srv.URL+"/fast", "", nil)
	require.NoError(t, err)
	_, err = store.AddFeed(srv.URL+"/slow", "", nil)
	require.NoError(t, err)
	_, err = store.AddFeed(srv.URL+"/never", "", nil)
	require.NoError(t, err)

	report, err := newTestScheduler(store, Options{Workers: 1}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, report.Feeds[0].Status)
	assert.Equal(t, StatusCancelled, report.Feeds[1].Status)
	assert.Equal(t, StatusCancelled, report.Feeds[2].Status)

	posts, err := store.QueryPosts(storage.PostQuery{})
	require.NoError(t, err)
	assert.Len(t, posts, 2, "posts merged before cancellation remain")
}

func TestMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, err := store.AddFeed(srv.URL, "Feed", nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := NewScheduler(store, feeds.NewHTTPFetcher(nil, ""), feeds.NewGofeedParser(), Options{}, m)
	_, err = s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.feeds.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.posts.WithLabelValues("new")))
}
