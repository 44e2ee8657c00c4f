// Package chains keeps track of the cross-chain emitters allowed to publish prices
package chains

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Well known emitter chain ids
const (
	Solana   uint16 = 1
	Ethereum uint16 = 2
	Pythnet  uint16 = 26
)

var chainNames = map[uint16]string{
	Solana:   "solana",
	Ethereum: "ethereum",
	Pythnet:  "pythnet",
}

// Name returns a readable name for a chain id
func Name(chainID uint16) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return strconv.Itoa(int(chainID))
}

// DataSource identifies a trusted emitter on a source chain
type DataSource struct {
	ChainID uint16
	Emitter common.Hash
}

func (d DataSource) String() string {
	return fmt.Sprintf("%s:%s", Name(d.ChainID), d.Emitter.Hex())
}

// ParseDataSources parses a comma separated list of chainID:emitter pairs,
// e.g. "26:0xe101...,1:0x6bb1..."
func ParseDataSources(s string) ([]DataSource, error) {
	var sources []DataSource

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		chain, emitter, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("data source %q: expected chainID:emitter", item)
		}

		id, err := strconv.ParseUint(strings.TrimSpace(chain), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("data source %q: invalid chain id: %w", item, err)
		}

		emitter = strings.TrimSpace(emitter)
		if !isHexHash(emitter) {
			return nil, fmt.Errorf("data source %q: invalid emitter address", item)
		}

		sources = append(sources, DataSource{ChainID: uint16(id), Emitter: common.HexToHash(emitter)})
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no data sources specified")
	}

	return sources, nil
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// Registry is the set of trusted data sources
type Registry struct {
	mu      sync.RWMutex
	sources map[DataSource]struct{}
}

// NewRegistry creates a registry trusting the given sources
func NewRegistry(sources ...DataSource) *Registry {
	r := &Registry{sources: make(map[DataSource]struct{}, len(sources))}
	for _, s := range sources {
		r.sources[s] = struct{}{}
	}
	return r
}

// SetSources replaces the trusted set
func (r *Registry) SetSources(sources []DataSource) {
	next := make(map[DataSource]struct{}, len(sources))
	for _, s := range sources {
		next[s] = struct{}{}
	}

	r.mu.Lock()
	r.sources = next
	r.mu.Unlock()
}

// Trusted reports whether emitter on chainID may publish prices
func (r *Registry) Trusted(chainID uint16, emitter common.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sources[DataSource{ChainID: chainID, Emitter: emitter}]
	return ok
}

// Sources returns a snapshot of the trusted set
func (r *Registry) Sources() []DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DataSource, 0, len(r.sources))
	for s := range r.sources {
		out = append(out, s)
	}
	return out
}
