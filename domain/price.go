// Package domain defines core types and errors for the pricegate service
package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Price is a fixed-point price point: the real value is Price * 10^Expo
type Price struct {
	Price       int64  // Signed price in Expo units
	Conf        uint64 // Confidence interval in Expo units
	Expo        int32  // Decimal exponent shared by Price and Conf
	PublishTime int64  // Unix seconds at which the price was published
}

// Decimal returns the price scaled by its exponent
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Price, p.Expo)
}

// ConfDecimal returns the confidence interval scaled by its exponent
func (p Price) ConfDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(p.Conf), p.Expo)
}

func (p Price) String() string {
	return fmt.Sprintf("%s ± %s @%d", p.Decimal(), p.ConfDecimal(), p.PublishTime)
}

// PriceObservation is one decoded entry of an update batch
type PriceObservation struct {
	FeedID        common.Hash
	Price         int64
	Conf          uint64
	Expo          int32
	EMAPrice      int64
	EMAConf       uint64
	PublishTime   int64
	SourceChainID uint16
	Sequence      uint64
}

// Current returns the observation's instantaneous price
func (o PriceObservation) Current() Price {
	return Price{Price: o.Price, Conf: o.Conf, Expo: o.Expo, PublishTime: o.PublishTime}
}

// EMA returns the observation's moving average price
func (o PriceObservation) EMA() Price {
	return Price{Price: o.EMAPrice, Conf: o.EMAConf, Expo: o.Expo, PublishTime: o.PublishTime}
}

// FeedRecord is the stored state of a single feed.
// Current.PublishTime is never lower than Previous.PublishTime.
type FeedRecord struct {
	ID       common.Hash
	Current  Price
	EMA      Price
	Previous Price
}

// NewFeedRecord builds the record created by the first accepted observation
// of a feed. Current and Previous are both the observation.
func NewFeedRecord(obs PriceObservation) FeedRecord {
	return FeedRecord{
		ID:       obs.FeedID,
		Current:  obs.Current(),
		EMA:      obs.EMA(),
		Previous: obs.Current(),
	}
}

// Advance returns the record after obs superseded it
func (r FeedRecord) Advance(obs PriceObservation) FeedRecord {
	return FeedRecord{
		ID:       r.ID,
		Current:  obs.Current(),
		EMA:      obs.EMA(),
		Previous: r.Current,
	}
}

// BatchResult summarises how one batch was applied
type BatchResult struct {
	SourceChainID uint16
	Sequence      uint64
	BatchSize     int
	FreshCount    int
}
