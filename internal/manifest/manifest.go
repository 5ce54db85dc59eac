// Package manifest describes the immutable descriptor a sender publishes at
// handshake time: object size, chunking, and the integrity/cipher modes a
// receiver must honor for the lifetime of an exposure surface.
package manifest

import (
	"encoding/binary"
	"fmt"
)

// IntegrityMode selects how (or whether) a receiver verifies chunk bytes
// before marking them present.
type IntegrityMode uint8

const (
	IntegrityNone IntegrityMode = iota
	IntegrityPerChunkHash
)

func (m IntegrityMode) String() string {
	switch m {
	case IntegrityNone:
		return "none"
	case IntegrityPerChunkHash:
		return "per_chunk_hash"
	default:
		return "unknown"
	}
}

// CipherMode selects the wire obfuscation applied to chunk payloads.
// Neither mode provides authenticity; see internal/cipher for details.
type CipherMode uint8

const (
	CipherNone CipherMode = iota
	CipherStreamXOR
)

func (c CipherMode) String() string {
	switch c {
	case CipherNone:
		return "none"
	case CipherStreamXOR:
		return "stream_xor"
	default:
		return "unknown"
	}
}

// MTU-class chunk sizing, §6: single-MTU for <64KiB, 4*MTU for <1MiB,
// 16*MTU otherwise. 1400 bytes keeps a full RGT header plus payload under
// the common Ethernet/PPPoE path MTU without fragmentation.
const (
	AssumedMTU = 1400

	classSmallThreshold  = 64 * 1024
	classMediumThreshold = 1024 * 1024
)

// ChooseChunkSize implements the §6 MTU-class heuristic for picking a
// default chunk size from the total object size.
func ChooseChunkSize(totalSize uint64) uint32 {
	switch {
	case totalSize < classSmallThreshold:
		return AssumedMTU
	case totalSize < classMediumThreshold:
		return 4 * AssumedMTU
	default:
		return 16 * AssumedMTU
	}
}

// Manifest is the immutable descriptor exchanged at handshake (§3).
type Manifest struct {
	TotalSize     uint64
	ChunkSize     uint32
	ChunkCount    uint32
	IntegrityMode IntegrityMode
	CipherMode    CipherMode

	// FECK and FECR are the supplemental Reed-Solomon FEC group size and
	// parity count (§11.4). Both zero means FEC is disabled for this
	// exposure; a receiver that does not understand FEC simply never
	// pulls the synthetic parity indices past ChunkCount.
	FECK uint16
	FECR uint16
}

// New builds a Manifest for totalSize bytes split into chunkSize-byte
// chunks. If chunkSize is 0 it is derived via ChooseChunkSize. FEC is
// left disabled; use WithFEC to enable it.
func New(totalSize uint64, chunkSize uint32, integrity IntegrityMode, cipher CipherMode) Manifest {
	if chunkSize == 0 {
		chunkSize = ChooseChunkSize(totalSize)
	}
	count := totalSize / uint64(chunkSize)
	if totalSize%uint64(chunkSize) != 0 {
		count++
	}
	if count == 0 {
		// Even a zero-byte object carries exactly one (empty) chunk so a
		// receiver has something to index and acknowledge.
		count = 1
	}
	return Manifest{
		TotalSize:     totalSize,
		ChunkSize:     chunkSize,
		ChunkCount:    uint32(count),
		IntegrityMode: integrity,
		CipherMode:    cipher,
	}
}

// WithFEC returns a copy of m with its FEC group size/parity count set
// (§11.4). k and r must each fit a uint16; callers validate range via
// internal/fec.NewGroupPlan before relying on these values.
func (m Manifest) WithFEC(k, r int) Manifest {
	m.FECK = uint16(k)
	m.FECR = uint16(r)
	return m
}

// FECEnabled reports whether this manifest carries a nonzero FEC group
// plan.
func (m Manifest) FECEnabled() bool {
	return m.FECK > 0 && m.FECR > 0
}

// ChunkLength returns the byte length of chunk index, accounting for the
// final chunk possibly being shorter than ChunkSize (§3).
func (m Manifest) ChunkLength(index uint32) (int, error) {
	if index >= m.ChunkCount {
		return 0, fmt.Errorf("manifest: chunk index %d out of range [0,%d)", index, m.ChunkCount)
	}
	if index < m.ChunkCount-1 {
		return int(m.ChunkSize), nil
	}
	last := m.TotalSize - uint64(m.ChunkCount-1)*uint64(m.ChunkSize)
	if last == 0 && m.TotalSize == 0 {
		return 0, nil
	}
	return int(last), nil
}

// Offset returns the byte offset of chunk index within the source object.
func (m Manifest) Offset(index uint32) uint64 {
	return uint64(index) * uint64(m.ChunkSize)
}

// EncodedSize is the wire size of the EXPOSE_MANIFEST payload.
const EncodedSize = 8 + 4 + 4 + 1 + 1 + 2 + 2

// MarshalBinary encodes the manifest as carried in an EXPOSE_MANIFEST
// packet payload (§4.3): big-endian fixed-width fields, no padding.
func (m Manifest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncodedSize)
	binary.BigEndian.PutUint64(buf[0:8], m.TotalSize)
	binary.BigEndian.PutUint32(buf[8:12], m.ChunkSize)
	binary.BigEndian.PutUint32(buf[12:16], m.ChunkCount)
	buf[16] = byte(m.IntegrityMode)
	buf[17] = byte(m.CipherMode)
	binary.BigEndian.PutUint16(buf[18:20], m.FECK)
	binary.BigEndian.PutUint16(buf[20:22], m.FECR)
	return buf, nil
}

// UnmarshalBinary decodes a manifest payload produced by MarshalBinary.
func (m *Manifest) UnmarshalBinary(data []byte) error {
	if len(data) < EncodedSize {
		return fmt.Errorf("manifest: payload too short: %d bytes, want %d", len(data), EncodedSize)
	}
	m.TotalSize = binary.BigEndian.Uint64(data[0:8])
	m.ChunkSize = binary.BigEndian.Uint32(data[8:12])
	m.ChunkCount = binary.BigEndian.Uint32(data[12:16])
	m.IntegrityMode = IntegrityMode(data[16])
	m.CipherMode = CipherMode(data[17])
	m.FECK = binary.BigEndian.Uint16(data[18:20])
	m.FECR = binary.BigEndian.Uint16(data[20:22])
	if m.ChunkSize == 0 {
		return fmt.Errorf("manifest: chunk_size must be non-zero")
	}
	return nil
}
