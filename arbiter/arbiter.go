// Package arbiter decides whether an observation supersedes a feed's stored state
package arbiter

import "github.com/sljivkov/pricegate/domain"

// PublishTime orders observations of a feed by publish time. An observation
// is fresh when no record exists yet or when it was published strictly after
// the stored current price. Equal publish times are stale so that replaying
// an observation never changes state.
type PublishTime struct{}

// Fresh reports whether candidate supersedes current
func (PublishTime) Fresh(current *domain.FeedRecord, candidate domain.PriceObservation) bool {
	if current == nil {
		return true
	}
	return candidate.PublishTime > current.Current.PublishTime
}
