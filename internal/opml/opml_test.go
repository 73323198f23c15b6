package opml

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewjhunter/broadsheet/internal/registry"
	"github.com/matthewjhunter/broadsheet/internal/storage"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return registry.New(store)
}

const mixedOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Subscriptions</title></head>
  <body>
    <outline text="Top Level" type="rss" xmlUrl="https://example.com/top.xml"/>
    <outline text="Technology">
      <outline text="Security">
        <outline text="Krebs" type="rss" xmlUrl="https://example.com/krebs.xml"/>
      </outline>
      <outline text="Dev" title="Dev Blog" type="rss" xmlUrl="https://example.com/dev.xml"/>
    </outline>
    <outline title="News">
      <outline text="World" type="rss" xmlUrl="https://example.com/world.xml"/>
      <outline text="Local" type="rss" xmlUrl="https://example.com/local.xml"/>
      <outline text="Stale" type="rss" xmlUrl="not a url"/>
    </outline>
  </body>
</opml>`

func TestImportBestEffort(t *testing.T) {
	reg := newRegistry(t)

	report, err := Import(reg, []byte(mixedOPML))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Imported)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "not a url")
	assert.Equal(t, 3, report.CategoriesCreated)

	feeds, err := reg.Feeds()
	require.NoError(t, err)
	require.Len(t, feeds, 5)

	byURL := make(map[string]storage.Feed)
	for _, f := range feeds {
		byURL[f.URL] = f
	}
	assert.Nil(t, byURL["https://example.com/top.xml"].CategoryID)
	assert.Equal(t, "Security", byURL["https://example.com/krebs.xml"].CategoryName, "immediate parent wins")
	assert.Equal(t, "Technology", byURL["https://example.com/dev.xml"].CategoryName)
	assert.Equal(t, "Dev Blog", byURL["https://example.com/dev.xml"].Title)
	assert.Equal(t, "News", byURL["https://example.com/world.xml"].CategoryName, "title is the fallback label")
}

func TestImportSkipsExisting(t *testing.T) {
	reg := newRegistry(t)

	_, err := Import(reg, []byte(mixedOPML))
	require.NoError(t, err)
	report, err := Import(reg, []byte(mixedOPML))
	require.NoError(t, err)

	assert.Zero(t, report.Imported)
	assert.Equal(t, 5, report.Skipped)
	assert.Zero(t, report.CategoriesCreated)

	feeds, err := reg.Feeds()
	require.NoError(t, err)
	assert.Len(t, feeds, 5)
}

func TestImportEntryErrors(t *testing.T) {
	reg := newRegistry(t)
	doc := `<opml version="2.0"><body>
  <outline text="Empty Folder"/>
  <outline text="No URL" type="rss"/>
  <outline/>
  <outline text="Gopher" xmlUrl="gopher://example.com/feed"/>
</body></opml>`

	report, err := Import(reg, []byte(doc))
	require.NoError(t, err)
	assert.Zero(t, report.Imported)
	assert.Len(t, report.Errors, 3)
	assert.Equal(t, 1, report.CategoriesCreated)

	cats, err := reg.Categories()
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "Empty Folder", cats[0].Name)
}

func TestImportMalformedDocument(t *testing.T) {
	for name, doc := range map[string]string{
		"not xml":    "this is not xml at all",
		"wrong root": `<?xml version="1.0"?><rss version="2.0"><channel/></rss>`,
		"truncated":  `<opml version="2.0"><body><outline text="a"`,
	} {
		t.Run(name, func(t *testing.T) {
			reg := newRegistry(t)
			_, err := Import(reg, []byte(doc))
			assert.ErrorIs(t, err, ErrMalformedDocument)

			feeds, err := reg.Feeds()
			require.NoError(t, err)
			assert.Empty(t, feeds)
		})
	}
}

func TestExportOrdering(t *testing.T) {
	reg := newRegistry(t)
	for _, f := range []struct{ url, cat string }{
		{"https://z.example.com/feed", ""},
		{"https://b.example.com/feed", "tech"},
		{"https://a.example.com/feed", "tech"},
		{"https://c.example.com/feed", "Arts"},
		{"https://a.example.com/loose", ""},
	} {
		_, _, err := reg.AddFeed(f.url, "", f.cat)
		require.NoError(t, err)
	}
	_, _, err := reg.AddCategory("Zoology")
	require.NoError(t, err)

	data, err := Export(reg, "broadsheet")
	require.NoError(t, err)
	out := string(data)

	order := []string{
		"https://a.example.com/loose",
		"https://z.example.com/feed",
		`text="Arts"`,
		"https://c.example.com/feed",
		`text="tech"`,
		"https://a.example.com/feed",
		"https://b.example.com/feed",
		`text="Zoology"`,
	}
	last := -1
	for _, s := range order {
		idx := strings.Index(out, s)
		require.NotEqual(t, -1, idx, "missing %s in:\n%s", s, out)
		assert.Greater(t, idx, last, "%s out of order", s)
		last = idx
	}
}

type subscription struct{ URL, Category string }

func snapshot(t *testing.T, reg *registry.Registry) ([]subscription, []string) {
	t.Helper()
	feeds, err := reg.Feeds()
	require.NoError(t, err)
	subs := make([]subscription, len(feeds))
	for i, f := range feeds {
		subs[i] = subscription{f.URL, f.CategoryName}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].URL < subs[j].URL })

	cats, err := reg.Categories()
	require.NoError(t, err)
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.Name
	}
	return subs, names
}

func TestExportImportRoundTrip(t *testing.T) {
	docs := map[string]string{
		"mixed": mixedOPML,
		"empty categories": `<opml version="2.0"><body>
  <outline text="Later"/>
  <outline text="Now"><outline text="x" xmlUrl="https://x.example.com/rss"/></outline>
</body></opml>`,
		"flat": `<opml version="1.0"><body>
  <outline text="a" xmlUrl="https://a.example.com/rss"/>
  <outline text="b" xmlUrl="https://b.example.com/rss"/>
</body></opml>`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			first := newRegistry(t)
			_, err := Import(first, []byte(doc))
			require.NoError(t, err)
			wantSubs, wantCats := snapshot(t, first)

			exported, err := Export(first, "broadsheet")
			require.NoError(t, err)

			second := newRegistry(t)
			report, err := Import(second, exported)
			require.NoError(t, err)
			assert.Empty(t, report.Errors)

			gotSubs, gotCats := snapshot(t, second)
			assert.Equal(t, wantSubs, gotSubs)
			assert.Equal(t, wantCats, gotCats)
		})
	}
}
