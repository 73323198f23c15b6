package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	httpdate "github.com/Songmu/go-httpdate"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "broadsheet/1.0"

// maxBodySize caps how much of a feed document is read.
const maxBodySize = 16 << 20

// Response is the outcome of a successful conditional fetch.
type Response struct {
	Body        []byte              // nil when NotModified is true
	Validators  *storage.Validators // validators received with a 200; nil on 304
	NotModified bool
}

// Fetcher retrieves a feed document, honoring the feed's stored validators.
type Fetcher interface {
	Fetch(ctx context.Context, feed storage.Feed) (*Response, error)
}

// HTTPFetcher fetches feeds over HTTP with conditional requests.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher. A nil client uses a fresh http.Client;
// per-request timeouts come from the context.
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch performs a GET for feed.URL. If the feed has a stored ETag or
// Last-Modified value it is sent as If-None-Match / If-Modified-Since, and
// a 304 response returns NotModified without a body.
func (f *HTTPFetcher) Fetch(ctx context.Context, feed storage.Feed) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchUnreachable, URL: feed.URL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fetchError(feed.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Response{NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			Kind:       FetchHTTPStatus,
			URL:        feed.URL,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fetchError(feed.URL, fmt.Errorf("read body: %w", err))
	}

	return &Response{
		Body: body,
		Validators: &storage.Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: normalizeLastModified(resp.Header.Get("Last-Modified")),
		},
	}, nil
}

// normalizeLastModified returns the header in canonical HTTP date form, or
// an empty string when it cannot be parsed and so cannot be sent back.
func normalizeLastModified(v string) string {
	if v == "" {
		return ""
	}
	t, err := httpdate.Str2Time(v, nil)
	if err != nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

func fetchError(url string, err error) *FetchError {
	kind := FetchUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, URL: url, Err: err}
}
