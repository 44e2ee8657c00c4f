package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature is one guardian signature over an attestation digest
type Signature struct {
	Index uint8    // Position of the signer in the guardian set
	Sig   [65]byte // Recoverable secp256k1 signature (r || s || v)
}

// Attestation is the proof carried by a batch that its body was emitted by
// a trusted cross-chain message source
type Attestation struct {
	TrustRoot      uint32 // Guardian set index the signatures refer to
	Signatures     []Signature
	Timestamp      uint32
	EmitterChain   uint16
	EmitterAddress common.Hash
	Sequence       uint64
	Body           []byte // Signed bytes
}

// Digest is the hash guardians sign: keccak256(keccak256(body))
func (a Attestation) Digest() common.Hash {
	return crypto.Keccak256Hash(crypto.Keccak256(a.Body))
}

// Batch is a decoded, not yet verified update batch
type Batch struct {
	Proof         Attestation
	SourceChainID uint16 // Origin declared by the payload
	Sequence      uint64
	Observations  []PriceObservation
}
