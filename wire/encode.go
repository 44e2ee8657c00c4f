package wire

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sljivkov/pricegate/domain"
)

// EncodePayload serialises observations with the base entry size.
// Every observation is encoded as published by sourceChain.
func EncodePayload(sourceChain uint16, observations []domain.PriceObservation) []byte {
	out := make([]byte, 0, payloadHdr+len(observations)*EntryLen)
	out = binary.BigEndian.AppendUint16(out, sourceChain)
	out = binary.BigEndian.AppendUint16(out, uint16(len(observations)))
	out = binary.BigEndian.AppendUint16(out, EntryLen)

	for _, o := range observations {
		out = append(out, o.FeedID.Bytes()...)
		out = binary.BigEndian.AppendUint64(out, uint64(o.Price))
		out = binary.BigEndian.AppendUint64(out, o.Conf)
		out = binary.BigEndian.AppendUint32(out, uint32(o.Expo))
		out = binary.BigEndian.AppendUint64(out, uint64(o.EMAPrice))
		out = binary.BigEndian.AppendUint64(out, o.EMAConf)
		out = binary.BigEndian.AppendUint64(out, uint64(o.PublishTime))
	}

	return out
}

// EncodeBody builds the signed part of an envelope
func EncodeBody(timestamp uint32, emitterChain uint16, emitter common.Hash, sequence uint64, payload []byte) []byte {
	out := make([]byte, 0, bodyFixedLen+len(payload))
	out = binary.BigEndian.AppendUint32(out, timestamp)
	out = binary.BigEndian.AppendUint16(out, emitterChain)
	out = append(out, emitter.Bytes()...)
	out = binary.BigEndian.AppendUint64(out, sequence)

	return append(out, payload...)
}

// EncodeEnvelope wraps a signed body with its signatures
func EncodeEnvelope(trustRoot uint32, sigs []domain.Signature, body []byte) []byte {
	out := make([]byte, 0, headerLen+len(sigs)*sigLen+len(body))
	out = append(out, Magic...)
	out = append(out, MajorVersion, 0)
	out = binary.BigEndian.AppendUint32(out, trustRoot)
	out = append(out, uint8(len(sigs)))

	for _, s := range sigs {
		out = append(out, s.Index)
		out = append(out, s.Sig[:]...)
	}

	return append(out, body...)
}
