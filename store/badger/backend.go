package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/sljivkov/pricegate/domain"
)

const gcInterval = 30 * time.Minute

// Backend persists feed records in badger
type Backend struct {
	store *badgerhold.Store
	stop  chan struct{}
	once  sync.Once
}

// NewBackend opens a backend below baseDbDir. An empty baseDbDir keeps the
// whole database in memory.
func NewBackend(baseDbDir string, logger badger.Logger) (*Backend, error) {
	var feedsDir string
	if len(baseDbDir) > 0 {
		feedsDir = filepath.Join(baseDbDir, "feeds")
	}

	store, err := createDb(feedsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening feeds db: %w", err)
	}

	b := &Backend{store: store, stop: make(chan struct{})}
	if len(feedsDir) > 0 {
		go b.runValueLogGC()
	}

	return b, nil
}

func (b *Backend) Get(_ context.Context, id common.Hash) (*domain.FeedRecord, error) {
	var rec domain.FeedRecord
	if err := b.store.Get(id.Hex(), &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &rec, nil
}

func (b *Backend) Put(_ context.Context, record domain.FeedRecord) error {
	return b.store.Upsert(record.ID.Hex(), record)
}

// Close stops the value log GC and closes the database
func (b *Backend) Close() error {
	b.once.Do(func() { close(b.stop) })
	return b.store.Close()
}

func (b *Backend) runValueLogGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.store.Badger().RunValueLogGC(0.5); err != nil &&
				!errors.Is(err, badger.ErrNoRewrite) {
				log.WithError(err).Error("feeds db value log gc failed")
			}
		case <-b.stop:
			return
		}
	}
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}
