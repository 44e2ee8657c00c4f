package store

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sljivkov/pricegate/domain"
)

// MemoryBackend keeps records in process memory. Readers never block.
type MemoryBackend struct {
	records sync.Map // common.Hash -> domain.FeedRecord
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Get(_ context.Context, id common.Hash) (*domain.FeedRecord, error) {
	v, ok := m.records.Load(id)
	if !ok {
		return nil, nil
	}
	rec := v.(domain.FeedRecord)
	return &rec, nil
}

func (m *MemoryBackend) Put(_ context.Context, record domain.FeedRecord) error {
	m.records.Store(record.ID, record)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
