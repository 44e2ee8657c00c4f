package pricefeed

import (
	"github.com/ethereum/go-ethereum/event"
	log "github.com/sirupsen/logrus"
)

const subscriberBacklog = 1024

// subscribe attaches ch to feed through a forwarder that is always ready to
// receive, so Send never waits on a subscriber. Up to subscriberBacklog
// events queue for a slow subscriber; beyond that the oldest are dropped.
func subscribe[T any](feed *event.Feed, ch chan<- T, kind string) event.Subscription {
	in := make(chan T)
	inner := feed.Subscribe(in)

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer inner.Unsubscribe()

		var queue []T
		for {
			var (
				out  chan<- T
				head T
			)
			if len(queue) > 0 {
				out, head = ch, queue[0]
			}

			select {
			case ev := <-in:
				if len(queue) == subscriberBacklog {
					queue = queue[1:]
					log.WithField("event", kind).Warn("subscriber lagging, oldest event dropped")
				}
				queue = append(queue, ev)
			case out <- head:
				queue = queue[1:]
			case err := <-inner.Err():
				return err
			case <-quit:
				return nil
			}
		}
	})
}
