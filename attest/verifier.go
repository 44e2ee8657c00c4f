// Package attest verifies the attestations carried by price update batches
package attest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/sljivkov/pricegate/domain"
)

const defaultCacheSize = 1024

// Verifier decides whether a decoded batch carries a valid attestation.
// A returned error wraps domain.ErrUnauthenticatedBatch.
type Verifier interface {
	Verify(ctx context.Context, batch *domain.Batch) error
}

// SourceRegistry tells whether an emitter is a trusted price source
type SourceRegistry interface {
	Trusted(chainID uint16, emitter common.Hash) bool
}

// GuardianSet is an indexed set of signer addresses
type GuardianSet struct {
	Index uint32
	Keys  []common.Address
}

// Quorum is the number of signatures required: more than two thirds
func (g GuardianSet) Quorum() int {
	return len(g.Keys)*2/3 + 1
}

// GuardianVerifier accepts batches signed by a quorum of a known guardian
// set and emitted by a trusted data source
type GuardianVerifier struct {
	sources SourceRegistry

	mu   sync.RWMutex
	sets map[uint32]GuardianSet

	// keyed by proofKey
	verified *lru.Cache[common.Hash, struct{}]
}

// NewGuardianVerifier creates a verifier. cacheSize bounds the number of
// remembered verified proofs; zero selects a default.
func NewGuardianVerifier(sources SourceRegistry, cacheSize int, sets ...GuardianSet) (*GuardianVerifier, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	cache, err := lru.New[common.Hash, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create digest cache: %w", err)
	}

	v := &GuardianVerifier{
		sources:  sources,
		sets:     make(map[uint32]GuardianSet, len(sets)),
		verified: cache,
	}
	for _, s := range sets {
		if err := v.AddGuardianSet(s); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// AddGuardianSet registers a guardian set under its index
func (v *GuardianVerifier) AddGuardianSet(set GuardianSet) error {
	if len(set.Keys) == 0 {
		return fmt.Errorf("guardian set %d is empty", set.Index)
	}
	if len(set.Keys) > 256 {
		return fmt.Errorf("guardian set %d has %d keys, at most 256 are addressable", set.Index, len(set.Keys))
	}

	v.mu.Lock()
	_, replaced := v.sets[set.Index]
	v.sets[set.Index] = set
	v.mu.Unlock()

	// Proofs verified against the old keys of a replaced set no longer count
	if replaced {
		v.verified.Purge()
	}

	return nil
}

func (v *GuardianVerifier) guardianSet(index uint32) (GuardianSet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	set, ok := v.sets[index]
	return set, ok
}

// Verify checks the declared origin, the data source and the signatures
func (v *GuardianVerifier) Verify(_ context.Context, batch *domain.Batch) error {
	proof := batch.Proof

	if batch.SourceChainID != proof.EmitterChain {
		return fmt.Errorf("%w: declared source chain %d but attested by chain %d",
			domain.ErrUnauthenticatedBatch, batch.SourceChainID, proof.EmitterChain)
	}
	if !v.sources.Trusted(proof.EmitterChain, proof.EmitterAddress) {
		return fmt.Errorf("%w: untrusted data source %d:%s",
			domain.ErrUnauthenticatedBatch, proof.EmitterChain, proof.EmitterAddress.Hex())
	}

	set, ok := v.guardianSet(proof.TrustRoot)
	if !ok {
		return fmt.Errorf("%w: unknown guardian set %d", domain.ErrUnauthenticatedBatch, proof.TrustRoot)
	}

	digest := proof.Digest()
	key := proofKey(digest, proof)
	if v.verified.Contains(key) {
		return nil
	}

	if err := verifySignatures(set, digest, proof.Signatures); err != nil {
		return err
	}

	v.verified.Add(key, struct{}{})
	log.WithFields(log.Fields{
		"chain":    proof.EmitterChain,
		"sequence": proof.Sequence,
		"digest":   digest.Hex(),
	}).Debug("attestation verified")

	return nil
}

// proofKey identifies a verified proof: the signed digest together with the
// guardian set and the exact signatures that attested it
func proofKey(digest common.Hash, proof domain.Attestation) common.Hash {
	buf := make([]byte, 0, common.HashLength+4+len(proof.Signatures)*(1+65))
	buf = append(buf, digest.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, proof.TrustRoot)
	for _, s := range proof.Signatures {
		buf = append(buf, s.Index)
		buf = append(buf, s.Sig[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

func verifySignatures(set GuardianSet, digest common.Hash, sigs []domain.Signature) error {
	if len(sigs) < set.Quorum() {
		return fmt.Errorf("%w: %d signatures, quorum is %d",
			domain.ErrUnauthenticatedBatch, len(sigs), set.Quorum())
	}

	last := -1
	for _, s := range sigs {
		idx := int(s.Index)
		if idx <= last {
			return fmt.Errorf("%w: guardian indices not strictly ascending", domain.ErrUnauthenticatedBatch)
		}
		last = idx

		if idx >= len(set.Keys) {
			return fmt.Errorf("%w: guardian index %d out of range", domain.ErrUnauthenticatedBatch, idx)
		}

		signer, err := recoverSigner(digest, s.Sig)
		if err != nil {
			return fmt.Errorf("%w: guardian %d: %v", domain.ErrUnauthenticatedBatch, idx, err)
		}
		if signer != set.Keys[idx] {
			return fmt.Errorf("%w: guardian %d signature mismatch", domain.ErrUnauthenticatedBatch, idx)
		}
	}

	return nil
}

func recoverSigner(digest common.Hash, sig [65]byte) (common.Address, error) {
	// Accept both raw (0/1) and Ethereum style (27/28) recovery ids
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig[:])
	if err != nil {
		return common.Address{}, err
	}

	return crypto.PubkeyToAddress(*pub), nil
}
