// Package testutils builds signed update batches for tests
package testutils

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/sljivkov/pricegate/attest"
	"github.com/sljivkov/pricegate/chains"
	"github.com/sljivkov/pricegate/domain"
	"github.com/sljivkov/pricegate/wire"
)

// Emitter is the trusted emitter used by Source
var Emitter = common.HexToHash("0xe101faedac5851e32b9b23b5f9411a8c2bac4aae3ed4dd7b811dd1a72ea4aa71")

// Source is the default trusted data source
var Source = chains.DataSource{ChainID: chains.Pythnet, Emitter: Emitter}

// Guardians is a generated guardian set with its private keys
type Guardians struct {
	Index uint32
	Keys  []*ecdsa.PrivateKey
}

// NewGuardians generates n guardian keys
func NewGuardians(t testing.TB, index uint32, n int) *Guardians {
	t.Helper()

	g := &Guardians{Index: index}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		g.Keys = append(g.Keys, key)
	}
	return g
}

// Set returns the public guardian set
func (g *Guardians) Set() attest.GuardianSet {
	set := attest.GuardianSet{Index: g.Index}
	for _, k := range g.Keys {
		set.Keys = append(set.Keys, crypto.PubkeyToAddress(k.PublicKey))
	}
	return set
}

// Sign signs body with the guardians at the given indices
func (g *Guardians) Sign(t testing.TB, body []byte, indices ...int) []domain.Signature {
	t.Helper()

	digest := domain.Attestation{Body: body}.Digest()
	sigs := make([]domain.Signature, 0, len(indices))
	for _, i := range indices {
		raw, err := crypto.Sign(digest.Bytes(), g.Keys[i])
		require.NoError(t, err)

		s := domain.Signature{Index: uint8(i)}
		copy(s.Sig[:], raw)
		sigs = append(sigs, s)
	}
	return sigs
}

// All returns every guardian index
func (g *Guardians) All() []int {
	idx := make([]int, len(g.Keys))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// BatchSpec describes a batch to build
type BatchSpec struct {
	Source       chains.DataSource
	DeclaredFrom *uint16 // Payload source chain; defaults to Source.ChainID
	Sequence     uint64
	Timestamp    uint32
	Observations []domain.PriceObservation
	Signers      []int // Defaults to every guardian
}

// Batch encodes and signs a batch
func (g *Guardians) Batch(t testing.TB, spec BatchSpec) []byte {
	t.Helper()

	if spec.Source == (chains.DataSource{}) {
		spec.Source = Source
	}
	declared := spec.Source.ChainID
	if spec.DeclaredFrom != nil {
		declared = *spec.DeclaredFrom
	}
	if spec.Signers == nil {
		spec.Signers = g.All()
	}

	payload := wire.EncodePayload(declared, spec.Observations)
	body := wire.EncodeBody(spec.Timestamp, spec.Source.ChainID, spec.Source.Emitter, spec.Sequence, payload)

	return wire.EncodeEnvelope(g.Index, g.Sign(t, body, spec.Signers...), body)
}

// Observation returns a price observation for feed
func Observation(feed common.Hash, price int64, conf uint64, publishTime int64) domain.PriceObservation {
	return domain.PriceObservation{
		FeedID:      feed,
		Price:       price,
		Conf:        conf,
		Expo:        -8,
		EMAPrice:    price,
		EMAConf:     conf,
		PublishTime: publishTime,
	}
}

// FeedID derives a deterministic feed id from a symbol
func FeedID(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(symbol))
}
