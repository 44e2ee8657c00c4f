// Package wire decodes and encodes attested price update batches
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sljivkov/pricegate/domain"
)

const (
	// Magic prefixes every batch envelope
	Magic = "PFAB"
	// MajorVersion is the only envelope major version understood by Decode
	MajorVersion uint8 = 1

	sigLen       = 1 + 65
	headerLen    = 4 + 1 + 1 + 4 + 1
	bodyFixedLen = 4 + 2 + 32 + 8
	payloadHdr   = 2 + 2 + 2
	// EntryLen is the size of an entry without any trailing extension bytes
	EntryLen = 32 + 8 + 8 + 4 + 8 + 8 + 8
)

// reader walks a byte slice and records the first short read
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: truncated %s at offset %d", domain.ErrMalformedBatch, what, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) u8(what string) uint8 {
	if b := r.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16(what string) uint16 {
	if b := r.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32(what string) uint32 {
	if b := r.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64(what string) uint64 {
	if b := r.take(8, what); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) hash(what string) common.Hash {
	if b := r.take(common.HashLength, what); b != nil {
		return common.BytesToHash(b)
	}
	return common.Hash{}
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.buf[r.off:]
}

// Decode parses a raw batch. It never mutates shared state and returns an
// error wrapping domain.ErrMalformedBatch for any layout inconsistency.
func Decode(raw []byte) (*domain.Batch, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the envelope header", domain.ErrMalformedBatch, len(raw))
	}

	r := &reader{buf: raw}
	if magic := string(r.take(len(Magic), "magic")); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %x", domain.ErrMalformedBatch, []byte(magic))
	}
	if major := r.u8("major version"); major != MajorVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrMalformedBatch, major)
	}
	r.u8("minor version")

	var proof domain.Attestation
	proof.TrustRoot = r.u32("trust root")

	sigCount := int(r.u8("signature count"))
	if sigs := r.take(sigCount*sigLen, "signatures"); sigs != nil {
		proof.Signatures = make([]domain.Signature, sigCount)
		for i := range proof.Signatures {
			entry := sigs[i*sigLen : (i+1)*sigLen]
			proof.Signatures[i].Index = entry[0]
			copy(proof.Signatures[i].Sig[:], entry[1:])
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	body := r.rest()
	proof.Body = append([]byte(nil), body...)

	batch, err := decodeBody(proof)
	if err != nil {
		return nil, err
	}

	return batch, nil
}

func decodeBody(proof domain.Attestation) (*domain.Batch, error) {
	if len(proof.Body) < bodyFixedLen+payloadHdr {
		return nil, fmt.Errorf("%w: body of %d bytes is too short", domain.ErrMalformedBatch, len(proof.Body))
	}

	r := &reader{buf: proof.Body}
	proof.Timestamp = r.u32("timestamp")
	proof.EmitterChain = r.u16("emitter chain")
	proof.EmitterAddress = r.hash("emitter address")
	proof.Sequence = r.u64("sequence")

	sourceChain := r.u16("source chain")
	count := int(r.u16("entry count"))
	entrySize := int(r.u16("entry size"))
	if r.err != nil {
		return nil, r.err
	}
	if entrySize < EntryLen {
		return nil, fmt.Errorf("%w: entry size %d below minimum %d", domain.ErrMalformedBatch, entrySize, EntryLen)
	}
	if remaining := len(r.rest()); remaining != count*entrySize {
		return nil, fmt.Errorf("%w: %d entries of %d bytes declared, %d bytes present",
			domain.ErrMalformedBatch, count, entrySize, remaining)
	}

	batch := &domain.Batch{
		Proof:         proof,
		SourceChainID: sourceChain,
		Sequence:      proof.Sequence,
		Observations:  make([]domain.PriceObservation, 0, count),
	}

	for i := 0; i < count; i++ {
		entry := &reader{buf: r.take(entrySize, "entry")}
		obs := domain.PriceObservation{
			FeedID:        entry.hash("feed id"),
			Price:         int64(entry.u64("price")),
			Conf:          entry.u64("conf"),
			Expo:          int32(entry.u32("expo")),
			EMAPrice:      int64(entry.u64("ema price")),
			EMAConf:       entry.u64("ema conf"),
			PublishTime:   int64(entry.u64("publish time")),
			SourceChainID: sourceChain,
			Sequence:      proof.Sequence,
		}
		if entry.err != nil {
			return nil, entry.err
		}
		batch.Observations = append(batch.Observations, obs)
	}

	return batch, nil
}
