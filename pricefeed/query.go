package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sljivkov/pricegate/domain"
)

func (s *Service) record(ctx context.Context, id common.Hash) (*domain.FeedRecord, error) {
	rec, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: feed %s", domain.ErrPriceUnavailable, id.Hex())
	}
	return rec, nil
}

// Price returns the current price of a feed
func (s *Service) Price(ctx context.Context, id common.Hash) (domain.Price, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return domain.Price{}, err
	}
	return rec.Current, nil
}

// EMAPrice returns the moving average price of a feed
func (s *Service) EMAPrice(ctx context.Context, id common.Hash) (domain.Price, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return domain.Price{}, err
	}
	return rec.EMA, nil
}

// PreviousPrice returns the price the current one superseded, or the current
// price if it was never superseded. It succeeds however old the price is:
// callers must check PublishTime themselves.
func (s *Service) PreviousPrice(ctx context.Context, id common.Hash) (domain.Price, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return domain.Price{}, err
	}
	return rec.Previous, nil
}

// PriceNoOlderThan returns the current price if it was published at most
// maxAge ago
func (s *Service) PriceNoOlderThan(ctx context.Context, id common.Hash, maxAge time.Duration) (domain.Price, error) {
	p, err := s.Price(ctx, id)
	if err != nil {
		return domain.Price{}, err
	}

	age := s.now().Unix() - p.PublishTime
	if age > int64(maxAge/time.Second) {
		return domain.Price{}, fmt.Errorf("%w: feed %s published %ds ago, max age %s",
			domain.ErrStalePrice, id.Hex(), age, maxAge)
	}

	return p, nil
}

// PriceFeedExists reports whether a feed has ever been updated
func (s *Service) PriceFeedExists(ctx context.Context, id common.Hash) (bool, error) {
	rec, err := s.store.Read(ctx, id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}
