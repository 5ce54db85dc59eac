// Package surface implements the exposure surface (§3/§4.2, C2): the
// sender- and receiver-side data structures that own a transfer's
// bitmap, manifest, per-chunk hash/retry metadata, and atomic stats
// counters. Everything above this layer (sender/receiver engines) only
// ever calls through Surface/ReceiveSurface rather than touching bitmap
// or reliable state directly.
package surface

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redgiant-project/rgt/internal/bitmap"
	"github.com/redgiant-project/rgt/internal/fec"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/reliable"
)

// Stats is a lock-free snapshot of a surface's atomic counters (§3,
// ExposureSurface: "atomic counters {bytes_sent, chunks_sent,
// acks_received, nacks_received, retrans, exposure_rate,
// congestion_window, pull_pressure}").
type Stats struct {
	BytesSent        uint64
	ChunksSent       uint64
	AcksReceived     uint64
	NacksReceived    uint64
	Retrans          uint64
	FailedChunks     uint64
	ExposureRate     float64
	CongestionWindow uint32
	PullPressure     uint32
}

// ErrInvariantViolation is returned when expose() is called twice for the
// same index with differing bytes (§4.2, P2).
type ErrInvariantViolation struct {
	Index uint32
}

func (e *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("surface: chunk %d re-exposed with different bytes", e.Index)
}

// ChunkSource hands out a sender's own stored chunk bytes, implemented by
// manifest.ByteSource or manifest.StreamAccumulator.
type ChunkSource interface {
	Chunk(index uint32) ([]byte, error)
}

// ExposureSurface owns everything a sender tracks for one exposure: the
// bitmap of produced/exposable chunks, the reliable-layer hash/retry
// tracker, and the atomic stats counters (§3/§4.2).
type ExposureSurface struct {
	Manifest manifest.Manifest
	Bitmap   *bitmap.Bitmap
	Reliable *reliable.Tracker
	source   ChunkSource

	fecPlan    *fec.GroupPlan
	fecEncoder *fec.GroupEncoder

	mu          sync.Mutex
	exposedHash map[uint32][reliable.HashSize]byte // tracks bytes identity for idempotent re-expose (P2)
	chunkBytes  map[uint32][]byte

	bytesSent     uint64
	chunksSent    uint64
	acksReceived  uint64
	nacksReceived uint64
	retrans       uint64
}

// Create allocates a sender-side surface for m, backed by source for
// recovery-scan re-reads (§4.2 create()). Returns ResourceExhausted-class
// behavior at the caller: Create itself only fails if m is malformed.
// When m carries a FEC group plan (§11.4, m.FECEnabled()), the surface's
// bitmap is sized to also cover the synthetic parity indices appended
// after m.ChunkCount, so Expose/Bitmap/Reliable treat parity chunks the
// same as real ones throughout the Sender engine.
func Create(m manifest.Manifest, source ChunkSource, reliableCfg reliable.Config) (*ExposureSurface, error) {
	if m.ChunkCount == 0 {
		return nil, fmt.Errorf("surface: manifest has zero chunk_count")
	}

	s := &ExposureSurface{
		Manifest:    m,
		Reliable:    reliable.New(reliableCfg),
		source:      source,
		exposedHash: make(map[uint32][reliable.HashSize]byte),
		chunkBytes:  make(map[uint32][]byte),
	}

	indexCount := m.ChunkCount
	if m.FECEnabled() {
		plan, err := fec.NewGroupPlan(m.ChunkCount, int(m.FECK), int(m.FECR))
		if err != nil {
			return nil, fmt.Errorf("surface: %w", err)
		}
		encoder, err := fec.NewGroupEncoder(int(m.FECK), int(m.FECR))
		if err != nil {
			return nil, fmt.Errorf("surface: %w", err)
		}
		s.fecPlan = plan
		s.fecEncoder = encoder
		indexCount += plan.TotalSyntheticIndices()
	}
	s.Bitmap = bitmap.New(indexCount)
	return s, nil
}

// ExposeFECParity computes and exposes every FEC group's parity chunks
// once all of m.ChunkCount's real chunks have been exposed (§11.4: "every
// K exposed chunks gain R Reed-Solomon parity chunks exposed under
// synthetic high indices"). It is a no-op if m carries no FEC plan.
func (s *ExposureSurface) ExposeFECParity(key [32]byte) error {
	if s.fecPlan == nil {
		return nil
	}
	for g := uint32(0); g < s.fecPlan.GroupCount(); g++ {
		members := s.fecPlan.Members(g)
		shardSize := 0
		shards := make([][]byte, len(members))
		for i, idx := range members {
			data, err := s.ChunkBytes(idx)
			if err != nil {
				return fmt.Errorf("surface: fec group %d: %w", g, err)
			}
			shards[i] = data
			if len(data) > shardSize {
				shardSize = len(data)
			}
		}
		// Zero-pad every shard in a partial final group to equal length;
		// GroupPlan.Members documents this as the caller's job.
		for i, shard := range shards {
			if len(shard) < shardSize {
				padded := make([]byte, shardSize)
				copy(padded, shard)
				shards[i] = padded
			}
		}
		for len(shards) < int(s.Manifest.FECK) {
			shards = append(shards, make([]byte, shardSize))
		}

		parity, err := s.fecEncoder.Encode(shards)
		if err != nil {
			return fmt.Errorf("surface: fec encode group %d: %w", g, err)
		}
		for i, idx := range s.fecPlan.ParityIndices(g) {
			if err := s.Expose(idx, parity[i], key); err != nil {
				return fmt.Errorf("surface: expose parity chunk %d: %w", idx, err)
			}
		}
	}
	return nil
}

// FECPlan returns the surface's FEC group plan, or nil if FEC is
// disabled for this exposure.
func (s *ExposureSurface) FECPlan() *fec.GroupPlan {
	return s.fecPlan
}

// Expose records chunk index as available (§4.2 expose()). If the
// surface's integrity_mode is per_chunk_hash, it hashes the bytes under
// key and stores the hash. Re-exposing an already-exposed index with
// identical bytes is a no-op (I2/P2); with differing bytes it returns
// *ErrInvariantViolation and leaves all state untouched.
func (s *ExposureSurface) Expose(index uint32, data []byte, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Bitmap.Test(index) {
		if s.Manifest.IntegrityMode == manifest.IntegrityPerChunkHash {
			if reliable.HashChunk(key, data) != s.exposedHash[index] {
				return &ErrInvariantViolation{Index: index}
			}
		} else if string(s.chunkBytes[index]) != string(data) {
			return &ErrInvariantViolation{Index: index}
		}
		return nil
	}

	if s.Manifest.IntegrityMode == manifest.IntegrityPerChunkHash {
		h := reliable.HashChunk(key, data)
		s.exposedHash[index] = h
		s.Reliable.RecordHash(index, h)
	}
	s.chunkBytes[index] = data

	if _, err := s.Bitmap.Set(index); err != nil {
		return err
	}
	return nil
}

// MarkAcked updates retransmit bookkeeping for an acknowledged chunk
// (§4.2 mark_acked()).
func (s *ExposureSurface) MarkAcked(index uint32) {
	atomic.AddUint64(&s.acksReceived, 1)
}

// MarkNacked updates retransmit bookkeeping for a NACKed chunk (§4.2
// mark_nacked()).
func (s *ExposureSurface) MarkNacked(index uint32) {
	atomic.AddUint64(&s.nacksReceived, 1)
}

// RecordSent accounts a CHUNK_DATA send of n bytes, optionally as a
// retransmission.
func (s *ExposureSurface) RecordSent(n int, isRetransmit bool) {
	atomic.AddUint64(&s.bytesSent, uint64(n))
	atomic.AddUint64(&s.chunksSent, 1)
	if isRetransmit {
		atomic.AddUint64(&s.retrans, 1)
	}
}

// ChunkBytes returns the bytes previously exposed at index, for the
// Emitter to frame into CHUNK_DATA.
func (s *ExposureSurface) ChunkBytes(index uint32) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.chunkBytes[index]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("surface: chunk %d not yet exposed", index)
	}
	return data, nil
}

// Source returns the chunk source backing this surface, for the
// recovery scan (§4.5 step 4).
func (s *ExposureSurface) Source() ChunkSource {
	return s.source
}

// SnapshotStats returns a lock-free read of the surface's atomic
// counters, joined with the caller-supplied rate-controller state
// (§4.2 snapshot_stats()).
func (s *ExposureSurface) SnapshotStats(exposureRate float64, congestionWindow, pullPressure uint32) Stats {
	return Stats{
		BytesSent:        atomic.LoadUint64(&s.bytesSent),
		ChunksSent:       atomic.LoadUint64(&s.chunksSent),
		AcksReceived:     atomic.LoadUint64(&s.acksReceived),
		NacksReceived:    atomic.LoadUint64(&s.nacksReceived),
		Retrans:          atomic.LoadUint64(&s.retrans),
		FailedChunks:     s.Reliable.FailedChunks(),
		ExposureRate:     exposureRate,
		CongestionWindow: congestionWindow,
		PullPressure:     pullPressure,
	}
}

// IsComplete reports whether every chunk has been exposed (I3-adjacent
// sender-side completeness check feeding the Exposing→Completing
// transition, §4.6).
func (s *ExposureSurface) IsComplete() bool {
	return s.Bitmap.IsComplete()
}
