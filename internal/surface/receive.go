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

// ReceiveStats is a lock-free snapshot of a receiver's atomic counters
// (§3, ReceiveSurface: "stats {bytes_received, chunks_received,
// rtt_estimate_ns, loss_rate}").
type ReceiveStats struct {
	BytesReceived  uint64
	ChunksReceived uint64
	RTTEstimate    int64 // nanoseconds
	LossRate       float64
}

// ReceiveSurface owns a receiver's view of one exposure: the manifest
// (fixed after handshake), a bitmap of received+verified chunks, and an
// indexed byte store (§3).
type ReceiveSurface struct {
	Manifest manifest.Manifest
	Bitmap   *bitmap.Bitmap
	Reliable *reliable.Tracker

	mu    sync.Mutex
	store map[uint32][]byte

	// fecPlan/fecDecoder/parity* are nil/empty unless m.FECEnabled(); the
	// real-chunk Bitmap/store above are never resized for parity, so
	// Missing()/IsComplete() keep meaning "every real chunk, full stop"
	// regardless of whether FEC is in play (§11.4: parity is a pull-less
	// bonus path, not a parallel completeness requirement).
	fecPlan      *fec.GroupPlan
	fecDecoder   *fec.GroupDecoder
	parityBitmap *bitmap.Bitmap
	parityStore  map[uint32][]byte
	groupDone    map[uint32]bool

	bytesReceived  uint64
	chunksReceived uint64
	rttEstimateNs  int64

	packetsSeen uint64
	packetsLost uint64
}

// NewReceiveSurface allocates receiver-side state once a manifest has
// been accepted at handshake (§4.7: "On EXPOSE_MANIFEST: allocate bitmap
// and chunk store"). When m carries a FEC group plan (§11.4), the
// surface also tracks synthetic parity indices separately so a receiver
// can opportunistically reconstruct missing real chunks from parity
// without ever having to NACK for them.
func NewReceiveSurface(m manifest.Manifest, reliableCfg reliable.Config) *ReceiveSurface {
	s := &ReceiveSurface{
		Manifest: m,
		Bitmap:   bitmap.New(m.ChunkCount),
		Reliable: reliable.New(reliableCfg),
		store:    make(map[uint32][]byte),
	}
	if m.FECEnabled() {
		if plan, err := fec.NewGroupPlan(m.ChunkCount, int(m.FECK), int(m.FECR)); err == nil {
			if dec, err := fec.NewGroupDecoder(int(m.FECK), int(m.FECR)); err == nil {
				s.fecPlan = plan
				s.fecDecoder = dec
				s.parityBitmap = bitmap.New(plan.TotalSyntheticIndices())
				s.parityStore = make(map[uint32][]byte)
				s.groupDone = make(map[uint32]bool)
			}
		}
	}
	return s
}

// FECPlan returns the surface's FEC group plan, or nil if FEC is
// disabled or the manifest's K/R were invalid.
func (r *ReceiveSurface) FECPlan() *fec.GroupPlan {
	return r.fecPlan
}

// AcceptChunk verifies and stores a received chunk (§4.7 "On CHUNK_DATA:
// verify header + optional hash; if valid and bit is unset, store bytes,
// set bit, update bytes_received; otherwise drop."). key is ignored when
// integrity_mode is none. Returns (accepted, err) — err is nil even when
// accepted is false for an ordinary integrity-mismatch drop; err is only
// set for an out-of-range index.
func (r *ReceiveSurface) AcceptChunk(index uint32, data []byte, key [32]byte) (accepted bool, err error) {
	if index >= r.Manifest.ChunkCount {
		return false, fmt.Errorf("surface: chunk index %d out of range [0,%d)", index, r.Manifest.ChunkCount)
	}
	if r.Bitmap.Test(index) {
		return false, nil // already have it; idempotent drop
	}
	if r.Manifest.IntegrityMode == manifest.IntegrityPerChunkHash {
		if !r.Reliable.VerifyReceived(index, key, data) {
			return false, nil // I5: hash mismatch, drop, caller NACKs
		}
	}

	r.mu.Lock()
	r.store[index] = data
	r.mu.Unlock()

	transitioned, err := r.Bitmap.Set(index)
	if err != nil {
		return false, err
	}
	if transitioned {
		atomic.AddUint64(&r.bytesReceived, uint64(len(data)))
		atomic.AddUint64(&r.chunksReceived, 1)
	}
	return transitioned, nil
}

// AcceptParityChunk stores a received synthetic parity chunk (§11.4). It
// never touches the real-chunk Bitmap/store, so it has no effect on
// Missing()/IsComplete(); its only purpose is to feed TryReconstruct.
// Returns false if FEC is disabled for this surface or idx is out of the
// parity range.
func (r *ReceiveSurface) AcceptParityChunk(idx uint32, data []byte) bool {
	if r.fecPlan == nil || !r.fecPlan.IsParityIndex(idx) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parityStore[idx]; ok {
		return false
	}
	r.parityStore[idx] = data
	r.parityBitmap.Set(idx - r.Manifest.ChunkCount)
	return true
}

// TryReconstruct attempts Reed-Solomon recovery of group g's missing
// real chunks from whatever real and parity members have arrived so far
// (§11.4). It is a no-op if FEC is disabled, the group is already fully
// received, or fewer than K of the K+R shards are present. Recovered
// chunks are verified against any hash recorded for them (via
// RecordExpectedChunk/CHUNK_DATA's own hash trailer) when one exists,
// exactly like an ordinarily-received chunk; a chunk whose own CHUNK_DATA
// never arrived has no hash to check against and is trusted as
// recovered, the one gap §11.4 leaves for supplemental (not primary)
// integrity. Returns the real indices newly marked present.
func (r *ReceiveSurface) TryReconstruct(g uint32, key [32]byte) []uint32 {
	if r.fecPlan == nil {
		return nil
	}
	r.mu.Lock()
	if r.groupDone[g] {
		r.mu.Unlock()
		return nil
	}
	members := r.fecPlan.Members(g)
	parityIdx := r.fecPlan.ParityIndices(g)
	k, rCount := r.fecPlan.K(), r.fecPlan.R()

	shardSize := int(r.Manifest.ChunkSize)
	// Slots [0,k) are the group's real members; a partial final group has
	// fewer than k real indices, and ExposeFECParity zero-padded the rest
	// as known (not missing) shards at encode time, so slots past
	// len(members) are zero here too rather than counted as missing.
	padded := make([][]byte, k+rCount)
	missing := 0
	for slot := 0; slot < k; slot++ {
		if slot >= len(members) {
			padded[slot] = make([]byte, shardSize)
			continue
		}
		idx := members[slot]
		if data, ok := r.store[idx]; ok {
			p := data
			if len(p) < shardSize {
				padded2 := make([]byte, shardSize)
				copy(padded2, p)
				p = padded2
			}
			padded[slot] = p
		} else {
			missing++
		}
	}
	for i, idx := range parityIdx {
		if data, ok := r.parityStore[idx]; ok {
			padded[k+i] = data
		} else {
			missing++
		}
	}
	if missing == 0 {
		r.groupDone[g] = true
		r.mu.Unlock()
		return nil // every member already present individually; nothing to fill in
	}
	if missing > rCount {
		r.mu.Unlock()
		return nil // not enough shards yet to reconstruct
	}
	r.mu.Unlock()

	if err := r.fecDecoder.Reconstruct(padded); err != nil {
		return nil
	}

	var recovered []uint32
	r.mu.Lock()
	for i, idx := range members {
		if _, ok := r.store[idx]; ok {
			continue
		}
		length, err := r.Manifest.ChunkLength(idx)
		if err != nil {
			continue
		}
		data := padded[i][:length]
		if r.Manifest.IntegrityMode == manifest.IntegrityPerChunkHash {
			if !r.Reliable.VerifyReceived(idx, key, data) {
				continue
			}
		}
		r.store[idx] = data
		if transitioned, err := r.Bitmap.Set(idx); err == nil && transitioned {
			atomic.AddUint64(&r.bytesReceived, uint64(len(data)))
			atomic.AddUint64(&r.chunksReceived, 1)
			recovered = append(recovered, idx)
		}
	}
	r.groupDone[g] = true
	r.mu.Unlock()
	return recovered
}

// RecordExpectedChunk tells the surface a hash is expected for index
// before the corresponding CHUNK_DATA arrives, so AcceptChunk can verify
// it (populated from an EXPOSE_MANIFEST-adjacent side channel or from
// the first CHUNK_AVAILABLE carrying a hash, depending on deployment).
func (r *ReceiveSurface) RecordExpectedChunk(index uint32, hash [reliable.HashSize]byte) {
	r.Reliable.RecordHash(index, hash)
}

// Chunk returns the bytes stored for index, for assembly/drain.
func (r *ReceiveSurface) Chunk(index uint32) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.store[index]
	return data, ok
}

// DrainChunk returns and releases the bytes stored for index, for
// sequential-drain consumption (§3 lifecycle: "freed when its bytes are
// handed to the consumer").
func (r *ReceiveSurface) DrainChunk(index uint32) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.store[index]
	if ok {
		delete(r.store, index)
	}
	return data, ok
}

// Missing returns the chunk indices not yet received, for CHUNK_NACK
// synthesis (§4.7).
func (r *ReceiveSurface) Missing() []uint32 {
	return r.Bitmap.Missing()
}

// Progress reports popcount(bitmap) / chunk_count (§4.7 progress()).
func (r *ReceiveSurface) Progress() float64 {
	if r.Manifest.ChunkCount == 0 {
		return 0
	}
	return float64(r.Bitmap.Popcount()) / float64(r.Manifest.ChunkCount)
}

// IsComplete reports whether every chunk has been received.
func (r *ReceiveSurface) IsComplete() bool {
	return r.Bitmap.IsComplete()
}

// NotePacketOutcome feeds the receiver's loss_rate estimate: called once
// per expected CHUNK_DATA slot, lost=true when a NACK round-trip was
// needed to eventually obtain it.
func (r *ReceiveSurface) NotePacketOutcome(lost bool) {
	atomic.AddUint64(&r.packetsSeen, 1)
	if lost {
		atomic.AddUint64(&r.packetsLost, 1)
	}
}

// SnapshotStats returns a lock-free read of the receiver's atomic
// counters joined with the caller-supplied RTT estimate.
func (r *ReceiveSurface) SnapshotStats(rttEstimateNs int64) ReceiveStats {
	seen := atomic.LoadUint64(&r.packetsSeen)
	lost := atomic.LoadUint64(&r.packetsLost)
	var lossRate float64
	if seen > 0 {
		lossRate = float64(lost) / float64(seen)
	}
	return ReceiveStats{
		BytesReceived:  atomic.LoadUint64(&r.bytesReceived),
		ChunksReceived: atomic.LoadUint64(&r.chunksReceived),
		RTTEstimate:    rttEstimateNs,
		LossRate:       lossRate,
	}
}
