package wire

import (
	"encoding/binary"
	"fmt"
)

// AckEncoding selects how CHUNK_ACK expresses newly-received indices: a
// compact index list for sparse acknowledgment, or a raw bitmap snapshot
// once enough of the surface is present that the bitmap is the smaller
// encoding. The choice is carried in a one-byte discriminant at the start
// of the CHUNK_ACK payload (see EncodeBitmapAck), not in a header flag.
type AckEncoding uint8

const (
	AckEncodingIndexList AckEncoding = iota
	AckEncodingBitmap
)

// EncodeIndexList packs a list of u32 chunk indices, used by
// PULL_REQUEST, CHUNK_NACK, and index-list-mode CHUNK_ACK payloads.
func EncodeIndexList(indices []uint32) []byte {
	buf := make([]byte, 4*len(indices))
	for i, idx := range indices {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], idx)
	}
	return buf
}

// DecodeIndexList unpacks a payload produced by EncodeIndexList.
func DecodeIndexList(payload []byte) ([]uint32, error) {
	if len(payload)%4 != 0 {
		return nil, &MalformedPacketError{Reason: fmt.Sprintf("index list payload length %d not a multiple of 4", len(payload))}
	}
	out := make([]uint32, len(payload)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(payload[i*4 : i*4+4])
	}
	return out, nil
}

// EncodeBitmapAck wraps a raw bitmap snapshot (from bitmap.Bitmap.Snapshot)
// as a CHUNK_ACK payload, prefixed with a one-byte encoding discriminant
// so a receiver-side decoder can tell it apart from an index list without
// consulting the header flags.
func EncodeBitmapAck(snapshot []byte) []byte {
	buf := make([]byte, 1+len(snapshot))
	buf[0] = byte(AckEncodingBitmap)
	copy(buf[1:], snapshot)
	return buf
}

// EncodeIndexListAck wraps an index list as a CHUNK_ACK payload with the
// matching discriminant byte.
func EncodeIndexListAck(indices []uint32) []byte {
	body := EncodeIndexList(indices)
	buf := make([]byte, 1+len(body))
	buf[0] = byte(AckEncodingIndexList)
	copy(buf[1:], body)
	return buf
}

// DecodeAck inspects the discriminant byte and returns the encoding used
// plus either the index list or the raw bitmap bytes (whichever applies).
func DecodeAck(payload []byte) (encoding AckEncoding, indices []uint32, bitmapSnapshot []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, nil, &MalformedPacketError{Reason: "CHUNK_ACK payload empty"}
	}
	encoding = AckEncoding(payload[0])
	switch encoding {
	case AckEncodingIndexList:
		indices, err = DecodeIndexList(payload[1:])
		return encoding, indices, nil, err
	case AckEncodingBitmap:
		return encoding, nil, payload[1:], nil
	default:
		return 0, nil, nil, &MalformedPacketError{Reason: fmt.Sprintf("unknown CHUNK_ACK encoding %d", payload[0])}
	}
}

// CancelReason identifies why a CANCEL packet was sent.
type CancelReason uint16

const (
	CancelReasonUnspecified CancelReason = iota
	CancelReasonLocalCancellation
	CancelReasonDeadlineExceeded
	CancelReasonIntegrityFailure
	CancelReasonResourceExhausted
)

// EncodeCancel packs a CANCEL payload.
func EncodeCancel(reason CancelReason) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(reason))
	return buf
}

// DecodeCancel unpacks a CANCEL payload.
func DecodeCancel(payload []byte) (CancelReason, error) {
	if len(payload) < 2 {
		return 0, &MalformedPacketError{Reason: "CANCEL payload shorter than 2 bytes"}
	}
	return CancelReason(binary.BigEndian.Uint16(payload)), nil
}

// ChunkIndexFromSequence reads the chunk index carried in the header's
// sequence field for CHUNK_AVAILABLE and CHUNK_DATA packets, where the
// index is the sequence itself rather than part of the payload.
func ChunkIndexFromSequence(h Header) uint32 {
	return h.Sequence
}
