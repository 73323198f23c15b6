// Package refresh runs feed synchronization cycles: fetch every feed through a
// bounded worker pool, parse and normalize the documents, and merge the
// resulting posts into the store.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matthewjhunter/broadsheet/internal/feeds"
	"github.com/matthewjhunter/broadsheet/internal/storage"
)

const (
	DefaultWorkers      = 4
	DefaultFetchTimeout = 30 * time.Second
	DefaultBackoffBase  = 5 * time.Minute
	DefaultBackoffMax   = 24 * time.Hour
)

// FeedStatus is the outcome of one feed within a cycle.
type FeedStatus string

const (
	StatusOK          FeedStatus = "ok"
	StatusNotModified FeedStatus = "not_modified"
	StatusFailed      FeedStatus = "failed"
	StatusDeferred    FeedStatus = "deferred"
	StatusCancelled   FeedStatus = "cancelled"
)

// FeedResult reports what happened to one feed during a cycle.
type FeedResult struct {
	FeedID     int64         `json:"feed_id"`
	URL        string        `json:"url"`
	Title      string        `json:"title,omitempty"`
	Status     FeedStatus    `json:"status"`
	Reason     string        `json:"reason,omitempty"` // failure kind: timeout, unreachable, http_status, parse, store
	Error      string        `json:"error,omitempty"`
	New        int           `json:"new"`
	Updated    int           `json:"updated"`
	Unchanged  int           `json:"unchanged"`
	PostErrors int           `json:"post_errors"`
	Duration   time.Duration `json:"duration"`
	RetryAt    *time.Time    `json:"retry_at,omitempty"`
}

// Report summarizes one refresh cycle. Feeds follow the order of the feed
// snapshot taken at the start of the cycle.
type Report struct {
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Feeds       []FeedResult `json:"feeds"`
	New         int          `json:"new"`
	Updated     int          `json:"updated"`
	Unchanged   int          `json:"unchanged"`
	PostErrors  int          `json:"post_errors"`
	OK          int          `json:"ok"`
	NotModified int          `json:"not_modified"`
	Failed      int          `json:"failed"`
	Deferred    int          `json:"deferred"`
	Cancelled   int          `json:"cancelled"`
}

func (r *Report) tally() {
	for _, f := range r.Feeds {
		r.New += f.New
		r.Updated += f.Updated
		r.Unchanged += f.Unchanged
		r.PostErrors += f.PostErrors
		switch f.Status {
		case StatusOK:
			r.OK++
		case StatusNotModified:
			r.NotModified++
		case StatusFailed:
			r.Failed++
		case StatusDeferred:
			r.Deferred++
		case StatusCancelled:
			r.Cancelled++
		}
	}
}

// Options tune a Scheduler. Zero Workers, FetchTimeout and BackoffMax select
// the defaults; a zero BackoffBase disables failure backoff.
type Options struct {
	Workers      int
	FetchTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	return o
}

// Scheduler runs refresh cycles against a store.
type Scheduler struct {
	store      *storage.Store
	fetcher    feeds.Fetcher
	parser     feeds.Parser
	normalizer *feeds.Normalizer
	metrics    *Metrics
	opts       Options
	now        func() time.Time
}

// NewScheduler creates a scheduler. metrics may be nil.
func NewScheduler(store *storage.Store, fetcher feeds.Fetcher, parser feeds.Parser, opts Options, metrics *Metrics) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		store:      store,
		fetcher:    fetcher,
		parser:     parser,
		normalizer: feeds.NewNormalizer(),
		metrics:    metrics,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// Run performs one refresh cycle. Per-feed failures are recorded in the
// report and never stop other feeds. When ctx is cancelled no further feeds
// are dispatched, in-flight fetches are aborted and the feeds that did not
// complete are reported as cancelled; posts already merged stay merged.
// The returned report is never nil.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: s.now()}
	defer func() {
		report.FinishedAt = s.now()
		report.tally()
		s.metrics.observeCycle(report)
	}()

	snapshot, err := s.store.ListFeeds()
	if err != nil {
		return report, fmt.Errorf("snapshot feeds: %w", err)
	}

	report.Feeds = make([]FeedResult, len(snapshot))
	for i, feed := range snapshot {
		report.Feeds[i] = FeedResult{FeedID: feed.ID, URL: feed.URL, Title: feed.Title, Status: StatusCancelled}
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	for i, feed := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if retryAt, ok := s.deferredUntil(feed); ok {
			report.Feeds[i].Status = StatusDeferred
			report.Feeds[i].RetryAt = &retryAt
			s.metrics.observeFeed(&report.Feeds[i])
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := s.refreshFeed(ctx, feed)
			report.Feeds[i] = res
			s.metrics.observeFeed(&res)
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(log.Fields{
		"feeds":     len(snapshot),
		"new":       lo.SumBy(report.Feeds, func(f FeedResult) int { return f.New }),
		"updated":   lo.SumBy(report.Feeds, func(f FeedResult) int { return f.Updated }),
		"failed":    countStatus(report.Feeds, StatusFailed),
		"deferred":  countStatus(report.Feeds, StatusDeferred),
		"cancelled": countStatus(report.Feeds, StatusCancelled),
		"duration":  s.now().Sub(report.StartedAt).Round(time.Millisecond),
	}).Info("refresh cycle complete")

	return report, nil
}

// deferredUntil reports whether a failing feed is still inside its backoff window.
func (s *Scheduler) deferredUntil(feed storage.Feed) (time.Time, bool) {
	retryAt, ok := feeds.RetryAt(feed, s.opts.BackoffBase, s.opts.BackoffMax)
	if !ok || !s.now().Before(retryAt) {
		return time.Time{}, false
	}
	return retryAt, true
}

func (s *Scheduler) refreshFeed(ctx context.Context, feed storage.Feed) (res FeedResult) {
	start := s.now()
	res = FeedResult{FeedID: feed.ID, URL: feed.URL, Title: feed.Title}
	logger := log.WithFields(log.Fields{"feed_id": feed.ID, "url": feed.URL})
	defer func() { res.Duration = s.now().Sub(start) }()

	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	resp, err := s.fetcher.Fetch(fctx, feed)
	cancel()
	fetchedAt := s.now()

	if err != nil {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			return res
		}
		s.fail(&res, fetchedAt, failureReason(err), err, nil, logger)
		return res
	}

	if resp.NotModified {
		res.Status = StatusNotModified
		s.record(feed.ID, storage.FetchRecord{At: fetchedAt, Success: true}, logger)
		return res
	}

	doc, err := s.parser.Parse(resp.Body)
	if err != nil {
		s.fail(&res, fetchedAt, "parse", err, resp.Validators, logger)
		return res
	}

	if feed.Title == "" && doc.Title != "" {
		if err := s.store.SetFeedTitle(feed.ID, doc.Title); err != nil {
			logger.WithError(err).Warn("failed to store feed title")
		} else {
			res.Title = doc.Title
		}
	}

	for _, item := range doc.Items {
		post, err := s.normalizer.Normalize(feed.ID, item, fetchedAt)
		if err != nil {
			res.PostErrors++
			logger.WithError(err).WithField("title", item.Title).Warn("skipping feed item")
			continue
		}
		_, outcome, err := s.store.UpsertPost(post)
		if err != nil {
			if errors.Is(err, storage.ErrLocked) || errors.Is(err, storage.ErrCorrupt) {
				s.fail(&res, fetchedAt, "store", err, resp.Validators, logger)
				return res
			}
			res.PostErrors++
			logger.WithError(err).WithField("dedup_key", post.DedupKey).Warn("failed to store post")
			continue
		}
		switch outcome {
		case storage.OutcomeNew:
			res.New++
		case storage.OutcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	res.Status = StatusOK
	s.record(feed.ID, storage.FetchRecord{At: fetchedAt, Success: true, Validators: resp.Validators}, logger)
	logger.WithFields(log.Fields{
		"new":     res.New,
		"updated": res.Updated,
	}).Debug("feed refreshed")
	return res
}

// fail records a failed attempt. Validators received with a 200 are stored
// even when the body could not be used.
func (s *Scheduler) fail(res *FeedResult, at time.Time, reason string, err error, validators *storage.Validators, logger *log.Entry) {
	res.Status = StatusFailed
	res.Reason = reason
	res.Error = err.Error()
	logger.WithError(err).WithField("reason", reason).Warn("feed refresh failed")
	s.record(res.FeedID, storage.FetchRecord{At: at, Err: err.Error(), Validators: validators}, logger)
}

func (s *Scheduler) record(feedID int64, rec storage.FetchRecord, logger *log.Entry) {
	if err := s.store.RecordFetch(feedID, rec); err != nil {
		logger.WithError(err).Error("failed to record fetch")
	}
}

func failureReason(err error) string {
	var fe *feeds.FetchError
	if errors.As(err, &fe) {
		return fe.Kind.String()
	}
	var pe *feeds.ParseError
	if errors.As(err, &pe) {
		return "parse"
	}
	return feeds.FetchUnreachable.String()
}

func countStatus(results []FeedResult, status FeedStatus) int {
	return lo.CountBy(results, func(r FeedResult) bool { return r.Status == status })
}
