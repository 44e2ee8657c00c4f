// Package apis provides external price update integrations
package apis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Updater accepts relayed update batches
type Updater interface {
	UpdatePriceFeeds(ctx context.Context, caller common.Address, updates [][]byte, payment *big.Int) (int, error)
	UpdateFee(updates [][]byte) (*big.Int, error)
}

// LatestUpdates is the response of the upstream latest updates endpoint
type LatestUpdates struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
}

// Relay polls an upstream endpoint for signed batches and submits them
type Relay struct {
	url      string
	feeds    []string
	interval time.Duration
	relayer  common.Address
	updater  Updater
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
}

// NewRelay creates a relay that fetches feeds from endpoint every interval
func NewRelay(endpoint string, feeds []string, interval time.Duration, relayer common.Address, updater Updater) *Relay {
	return &Relay{
		url:      endpoint,
		feeds:    feeds,
		interval: interval,
		relayer:  relayer,
		updater:  updater,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		cb: newCircuitBreaker(endpoint),
	}
}

func newCircuitBreaker(endpoint string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "relay",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithField("url", endpoint)
			if to == gobreaker.StateOpen {
				logger.Warn("upstream seems down, pausing relay requests")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				logger.Info("checking upstream status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				logger.Info("upstream seems ok, resuming relay requests")
			}
		},
	})
}

// fetch retrieves the latest signed batches for the relayed feeds
func (r *Relay) fetch(ctx context.Context) ([][]byte, error) {
	params := url.Values{}
	for _, feed := range r.feeds {
		params.Add("ids[]", feed)
	}
	params.Add("encoding", "hex")

	fullURL := fmt.Sprintf("%s?%s", r.url, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned non-200 status: %d", resp.StatusCode)
	}

	var latest LatestUpdates
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if latest.Binary.Encoding != "hex" {
		return nil, fmt.Errorf("unsupported encoding %q", latest.Binary.Encoding)
	}

	batches := make([][]byte, 0, len(latest.Binary.Data))
	for _, data := range latest.Binary.Data {
		b, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to decode batch: %w", err)
		}
		batches = append(batches, b)
	}

	return batches, nil
}

// relayOnce fetches and submits one round of batches
func (r *Relay) relayOnce(ctx context.Context) (int, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		return 0, err
	}

	batches := res.([][]byte)
	if len(batches) == 0 {
		return 0, nil
	}

	payment, err := r.updater.UpdateFee(batches)
	if err != nil {
		return 0, err
	}

	return r.updater.UpdatePriceFeeds(ctx, r.relayer, batches, payment)
}

// Run relays updates until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	logger := log.WithFields(log.Fields{"url": r.url, "feeds": len(r.feeds)})
	logger.Info("starting update relay")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.relayOnce(ctx)
		if err != nil {
			logger.WithError(err).Warn("relay round failed")
		} else {
			logger.WithField("batches", n).Debug("relay round submitted")
		}

		select {
		case <-ctx.Done():
			logger.Info("update relay stopped")
			return
		case <-ticker.C:
		}
	}
}
