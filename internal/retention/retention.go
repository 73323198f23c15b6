// Package retention purges aged posts that nothing pins.
package retention

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/matthewjhunter/broadsheet/internal/storage"
)

// DefaultDays is the retention window used when none is configured.
const DefaultDays = 30

// ErrNegativeDays is returned for a negative retention window.
var ErrNegativeDays = errors.New("retention days must not be negative")

// Policy decides which posts survive a purge. Starred and read-later posts
// are always kept; archived posts are kept only with ProtectArchived.
type Policy struct {
	ProtectArchived bool
}

// Purger deletes posts fetched more than a given number of days ago.
type Purger struct {
	store  *storage.Store
	policy Policy
	now    func() time.Time
}

func NewPurger(store *storage.Store, policy Policy) *Purger {
	return &Purger{store: store, policy: policy, now: time.Now}
}

// Purge deletes, in one transaction, every unpinned post fetched at or before
// now minus days, and returns how many were removed. Purge(0) removes every
// unpinned post.
func (p *Purger) Purge(days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeDays, days)
	}
	cutoff := p.now().AddDate(0, 0, -days)

	n, err := p.store.PurgeOlderThan(cutoff, storage.Protection{Archived: p.policy.ProtectArchived})
	if err != nil {
		return 0, fmt.Errorf("purge posts older than %d days: %w", days, err)
	}
	log.WithFields(log.Fields{
		"days":    days,
		"cutoff":  cutoff.UTC().Format(time.RFC3339),
		"deleted": n,
	}).Info("retention purge complete")
	return n, nil
}
