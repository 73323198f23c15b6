package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the refresh counters exported by the daemon.
type Metrics struct {
	feeds       *prometheus.CounterVec
	posts       *prometheus.CounterVec
	postErrors  prometheus.Counter
	fetchTime   prometheus.Histogram
	cycleTime   prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewMetrics registers the refresh collectors with reg. A nil registerer
// yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		feeds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broadsheet",
			Name:      "refresh_feeds_total",
			Help:      "Feed refresh attempts by resulting status",
		}, []string{"status"}),
		posts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "broadsheet",
			Name:      "refresh_posts_total",
			Help:      "Posts merged during refresh by outcome",
		}, []string{"outcome"}),
		postErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "broadsheet",
			Name:      "refresh_post_errors_total",
			Help:      "Feed items skipped because they could not be normalized or stored",
		}),
		fetchTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "broadsheet",
			Name:      "refresh_fetch_duration_seconds",
			Help:      "Time spent fetching and merging a single feed",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "broadsheet",
			Name:      "refresh_cycle_duration_seconds",
			Help:      "Time spent on a whole refresh cycle",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "broadsheet",
			Name:      "refresh_last_cycle_timestamp_seconds",
			Help:      "Unix time the last refresh cycle finished",
		}),
	}
}

func (m *Metrics) observeFeed(r *FeedResult) {
	m.feeds.WithLabelValues(string(r.Status)).Inc()
	if r.Status == StatusDeferred || r.Status == StatusCancelled {
		return
	}
	m.fetchTime.Observe(r.Duration.Seconds())
	m.posts.WithLabelValues("new").Add(float64(r.New))
	m.posts.WithLabelValues("updated").Add(float64(r.Updated))
	m.posts.WithLabelValues("unchanged").Add(float64(r.Unchanged))
	m.postErrors.Add(float64(r.PostErrors))
}

func (m *Metrics) observeCycle(r *Report) {
	m.cycleTime.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	m.lastSuccess.Set(float64(r.FinishedAt.Unix()))
}
