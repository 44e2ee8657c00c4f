// Package store holds the authoritative state of every price feed
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sljivkov/pricegate/domain"
)

const shardCount = 256

// Backend is the key-value state the store persists feed records in.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the record of a feed, or nil if the feed was never recorded
	Get(ctx context.Context, id common.Hash) (*domain.FeedRecord, error)
	// Put writes a record under its feed id
	Put(ctx context.Context, record domain.FeedRecord) error
	// Close releases the backend's resources
	Close() error
}

// Policy decides whether a candidate observation supersedes the stored record
type Policy interface {
	Fresh(current *domain.FeedRecord, candidate domain.PriceObservation) bool
}

// Commit is the outcome of CompareAndCommit
type Commit struct {
	Fresh bool
	// PreviousPublishTime is the stored current publish time before the
	// commit, zero for a feed without a record
	PreviousPublishTime int64
}

// FeedStore serialises commits per feed through lock shards. Commits to
// feeds on different shards never contend and reads take no lock.
type FeedStore struct {
	backend Backend
	policy  Policy
	shards  [shardCount]sync.Mutex
}

// New creates a feed store
func New(backend Backend, policy Policy) *FeedStore {
	return &FeedStore{backend: backend, policy: policy}
}

func (s *FeedStore) shard(id common.Hash) *sync.Mutex {
	// Feed ids are hashes, their last byte is uniformly distributed
	return &s.shards[id[common.HashLength-1]]
}

// Read returns a feed's record or nil if the feed has never been updated
func (s *FeedStore) Read(ctx context.Context, id common.Hash) (*domain.FeedRecord, error) {
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed %s: %w", id.Hex(), err)
	}
	return rec, nil
}

// CompareAndCommit applies obs to its feed if the policy deems it fresh
func (s *FeedStore) CompareAndCommit(ctx context.Context, obs domain.PriceObservation) (Commit, error) {
	mu := s.shard(obs.FeedID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.backend.Get(ctx, obs.FeedID)
	if err != nil {
		return Commit{}, fmt.Errorf("failed to read feed %s: %w", obs.FeedID.Hex(), err)
	}

	var c Commit
	if current != nil {
		c.PreviousPublishTime = current.Current.PublishTime
	}

	if !s.policy.Fresh(current, obs) {
		return c, nil
	}

	next := domain.NewFeedRecord(obs)
	if current != nil {
		next = current.Advance(obs)
	}

	if err := s.backend.Put(ctx, next); err != nil {
		return Commit{}, fmt.Errorf("failed to write feed %s: %w", obs.FeedID.Hex(), err)
	}

	c.Fresh = true
	return c, nil
}

// Close closes the backend
func (s *FeedStore) Close() error {
	return s.backend.Close()
}
