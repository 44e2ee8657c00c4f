package domain

import "github.com/ethereum/go-ethereum/common"

// PriceFeedUpdate is emitted for every observation processed by an update
type PriceFeedUpdate struct {
	FeedID              common.Hash `json:"id"`
	Fresh               bool        `json:"fresh"`
	SourceChainID       uint16      `json:"source_chain_id"`
	Sequence            uint64      `json:"sequence"`
	PreviousPublishTime int64       `json:"previous_publish_time"`
	PublishTime         int64       `json:"publish_time"`
	Price               int64       `json:"price"`
	Conf                uint64      `json:"conf"`
}

// BatchPriceFeedUpdate is emitted once per applied batch
type BatchPriceFeedUpdate struct {
	SourceChainID uint16 `json:"source_chain_id"`
	Sequence      uint64 `json:"sequence"`
	BatchSize     int    `json:"batch_size"`
	FreshCount    int    `json:"fresh_count"`
}

// UpdatePriceFeeds is emitted once per successful update call
type UpdatePriceFeeds struct {
	Caller     common.Address `json:"caller"`
	BatchCount int            `json:"batch_count"`
}
