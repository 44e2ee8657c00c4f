// Package pricefeed drives attested update batches into the feed store and
// serves price queries
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sljivkov/pricegate/attest"
	"github.com/sljivkov/pricegate/domain"
	"github.com/sljivkov/pricegate/fee"
	"github.com/sljivkov/pricegate/store"
	"github.com/sljivkov/pricegate/wire"
)

// FeedStore is the per-feed state the service reads and commits to
type FeedStore interface {
	Read(ctx context.Context, id common.Hash) (*domain.FeedRecord, error)
	CompareAndCommit(ctx context.Context, obs domain.PriceObservation) (store.Commit, error)
}

// Service is the update orchestrator and query surface of the price feeds
type Service struct {
	verifier attest.Verifier
	store    FeedStore
	fees     fee.Schedule
	metrics  *Metrics
	now      func() time.Time

	feedUpdates  event.Feed
	batchUpdates event.Feed
	callUpdates  event.Feed
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records update outcomes in m
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces the clock used by age-bounded queries
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the orchestrator
func NewService(verifier attest.Verifier, feeds FeedStore, fees fee.Schedule, opts ...Option) *Service {
	s := &Service{
		verifier: verifier,
		store:    feeds,
		fees:     fees,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// UpdatePriceFeeds applies raw update batches paid for with payment on
// behalf of caller and returns the number of batches processed.
//
// Every batch is decoded and verified and the fee is checked before the
// first commit, so a rejected call leaves the store untouched. Stale
// observations are not errors; they are reported with Fresh set to false.
func (s *Service) UpdatePriceFeeds(
	ctx context.Context, caller common.Address, updates [][]byte, payment *big.Int,
) (int, error) {
	if payment == nil {
		payment = new(big.Int)
	}
	logger := log.WithFields(log.Fields{"caller": caller.Hex(), "batches": len(updates)})

	batches, total, err := decodeAll(updates)
	if err != nil {
		s.metrics.call("malformed")
		logger.WithError(err).Warn("rejected update")
		return 0, err
	}

	if err := s.verifyAll(ctx, batches); err != nil {
		if errors.Is(err, domain.ErrUnauthenticatedBatch) {
			s.metrics.call("unauthenticated")
		} else {
			s.metrics.call("error")
		}
		logger.WithError(err).Warn("rejected update")
		return 0, err
	}

	if !s.fees.Covers(payment, total) {
		s.metrics.call("insufficient_fee")
		err := fmt.Errorf("%w: paid %s, %d updates require %s",
			domain.ErrInsufficientFee, payment, total, s.fees.MinFee(total))
		logger.WithError(err).Warn("rejected update")
		return 0, err
	}

	for _, batch := range batches {
		res, err := s.apply(ctx, batch)
		if err != nil {
			s.metrics.call("error")
			logger.WithError(err).Error("failed to apply batch")
			return 0, err
		}

		s.metrics.batch(res)
		s.batchUpdates.Send(domain.BatchPriceFeedUpdate{
			SourceChainID: res.SourceChainID,
			Sequence:      res.Sequence,
			BatchSize:     res.BatchSize,
			FreshCount:    res.FreshCount,
		})
		logger.WithFields(log.Fields{
			"chain":    res.SourceChainID,
			"sequence": res.Sequence,
			"size":     res.BatchSize,
			"fresh":    res.FreshCount,
		}).Debug("batch applied")
	}

	s.callUpdates.Send(domain.UpdatePriceFeeds{Caller: caller, BatchCount: len(batches)})
	s.metrics.call("ok")
	logger.WithField("updates", total).Info("price feeds updated")

	return len(batches), nil
}

func decodeAll(updates [][]byte) ([]*domain.Batch, int, error) {
	batches := make([]*domain.Batch, len(updates))
	total := 0

	for i, raw := range updates {
		batch, err := wire.Decode(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("batch %d: %w", i, err)
		}
		batches[i] = batch
		total += len(batch.Observations)
	}

	return batches, total, nil
}

func (s *Service) verifyAll(ctx context.Context, batches []*domain.Batch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if err := s.verifier.Verify(gctx, batch); err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Service) apply(ctx context.Context, batch *domain.Batch) (domain.BatchResult, error) {
	res := domain.BatchResult{
		SourceChainID: batch.SourceChainID,
		Sequence:      batch.Sequence,
		BatchSize:     len(batch.Observations),
	}

	for _, obs := range batch.Observations {
		c, err := s.store.CompareAndCommit(ctx, obs)
		if err != nil {
			return res, err
		}
		if c.Fresh {
			res.FreshCount++
		}

		s.feedUpdates.Send(domain.PriceFeedUpdate{
			FeedID:              obs.FeedID,
			Fresh:               c.Fresh,
			SourceChainID:       obs.SourceChainID,
			Sequence:            obs.Sequence,
			PreviousPublishTime: c.PreviousPublishTime,
			PublishTime:         obs.PublishTime,
			Price:               obs.Price,
			Conf:                obs.Conf,
		})
	}

	return res, nil
}

// MinUpdateFee returns the fee for updateCount observations
func (s *Service) MinUpdateFee(updateCount int) *big.Int {
	return s.fees.MinFee(updateCount)
}

// UpdateFee returns the fee UpdatePriceFeeds charges for updates
func (s *Service) UpdateFee(updates [][]byte) (*big.Int, error) {
	_, total, err := decodeAll(updates)
	if err != nil {
		return nil, err
	}
	return s.fees.MinFee(total), nil
}

// SubscribeFeedUpdates delivers one event per processed observation. Events
// queue for a subscriber that falls behind; the oldest are dropped once
// the backlog is full, so a stalled subscriber never blocks an update.
func (s *Service) SubscribeFeedUpdates(ch chan<- domain.PriceFeedUpdate) event.Subscription {
	return subscribe(&s.feedUpdates, ch, "price_feed_update")
}

// SubscribeBatchUpdates delivers one event per applied batch, with the same
// backlog behaviour as SubscribeFeedUpdates
func (s *Service) SubscribeBatchUpdates(ch chan<- domain.BatchPriceFeedUpdate) event.Subscription {
	return subscribe(&s.batchUpdates, ch, "batch_price_feed_update")
}

// SubscribeCallUpdates delivers one event per successful update call, with
// the same backlog behaviour as SubscribeFeedUpdates
func (s *Service) SubscribeCallUpdates(ch chan<- domain.UpdatePriceFeeds) event.Subscription {
	return subscribe(&s.callUpdates, ch, "update_price_feeds")
}
