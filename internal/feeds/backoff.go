package feeds

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// Backoff returns the wait after failures consecutive failures: base doubled
// per extra failure and capped at ceiling. It is zero when base is zero or there
// are no failures.
func Backoff(failures int, base, ceiling time.Duration) time.Duration {
	if base <= 0 || failures <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// RetryAt returns when a failing feed becomes eligible again, and false when
// the feed has no failures on record.
func RetryAt(feed storage.Feed, base, ceiling time.Duration) (time.Time, bool) {
	if feed.FailureCount == 0 || feed.LastAttempt == nil || base <= 0 {
		return time.Time{}, false
	}
	return feed.LastAttempt.Add(Backoff(feed.FailureCount, base, ceiling)), true
}
