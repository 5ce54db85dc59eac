// Package reliable implements the per-chunk integrity and retry layer
// (§4.5, C5): an optional keyed hash recorded at expose time, an
// exponential-backoff retry schedule for NACKed or failed sends, and the
// periodic recovery scan that re-verifies a sender's own stored bytes
// before re-exposing them.
package reliable

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// HashSize is the output length of the keyed per-chunk hash.
const HashSize = 32

// ChunkKey derives the session-scoped key used to hash every chunk under
// one exposure surface, so a hash computed here can never be replayed as
// valid proof under a different surface (§9 open question resolution).
// sessionSecret is the pre-shared key material already in scope for the
// surface's cipher (internal/cipher); exposureID salts it per surface.
func ChunkKey(sessionSecret []byte, exposureID [16]byte) [32]byte {
	h := blake3.New()
	h.Write(sessionSecret)
	h.Write(exposureID[:])
	h.Write([]byte("rgt-chunk-hash-key"))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashChunk computes the keyed hash of a chunk's plaintext bytes.
func HashChunk(key [32]byte, data []byte) [HashSize]byte {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// blake3.NewKeyed only errors on a wrong-length key; ChunkKey
		// always produces exactly 32 bytes, so this path is unreachable.
		panic(err)
	}
	h.Write(data)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RetryState tracks one chunk's retry bookkeeping (§4.5).
type RetryState struct {
	Retries      uint32
	LastAttempt  time.Time
	NeedsRetry   bool
}

// Config tunes the retry schedule.
type Config struct {
	BaseBackoff time.Duration
	MaxRetries  uint32
}

// DefaultConfig returns conservative retry tuning for a LAN/loopback path.
func DefaultConfig() Config {
	return Config{BaseBackoff: 50 * time.Millisecond, MaxRetries: 8}
}

// Tracker owns per-chunk hashes and retry state for one exposure surface.
// All methods are safe for concurrent use by the Emitter and the NACK
// ingestion path.
type Tracker struct {
	cfg Config

	mu     sync.Mutex
	hashes map[uint32][HashSize]byte
	state  map[uint32]*RetryState

	failedChunks uint64
}

// New creates a Tracker for a surface.
func New(cfg Config) *Tracker {
	if cfg.BaseBackoff <= 0 || cfg.MaxRetries == 0 {
		def := DefaultConfig()
		if cfg.BaseBackoff <= 0 {
			cfg.BaseBackoff = def.BaseBackoff
		}
		if cfg.MaxRetries == 0 {
			cfg.MaxRetries = def.MaxRetries
		}
	}
	return &Tracker{
		cfg:    cfg,
		hashes: make(map[uint32][HashSize]byte),
		state:  make(map[uint32]*RetryState),
	}
}

// RecordHash stores the hash computed for a chunk at expose time.
func (t *Tracker) RecordHash(index uint32, hash [HashSize]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashes[index] = hash
}

// VerifyReceived reports whether data matches the hash previously
// recorded for index (receiver side, §4.5: "the receiver verifies every
// received chunk's hash before setting its bitmap bit").
func (t *Tracker) VerifyReceived(index uint32, key [32]byte, data []byte) bool {
	t.mu.Lock()
	want, ok := t.hashes[index]
	t.mu.Unlock()
	if !ok {
		return true // no integrity mode in effect for this surface
	}
	return HashChunk(key, data) == want
}

func (t *Tracker) stateFor(index uint32) *RetryState {
	s, ok := t.state[index]
	if !ok {
		s = &RetryState{}
		t.state[index] = s
	}
	return s
}

// ShouldRetryNow reports whether enough backoff has elapsed since the
// last attempt to re-issue CHUNK_DATA for index (§4.5 step 1).
func (t *Tracker) ShouldRetryNow(index uint32, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(index)
	if s.LastAttempt.IsZero() {
		return true
	}
	backoff := t.cfg.BaseBackoff << s.Retries
	return now.Sub(s.LastAttempt) >= backoff
}

// MarkAttempt records a retransmission attempt for index (§4.5 step 2):
// increments retries and stamps last_attempt. Returns true if the chunk
// has now exceeded max_retries and was just marked needs_retry (§4.5 step
// 3), in which case the caller should account it in failed_chunks.
func (t *Tracker) MarkAttempt(index uint32, now time.Time) (justFailed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(index)
	s.Retries++
	s.LastAttempt = now
	if s.Retries > t.cfg.MaxRetries && !s.NeedsRetry {
		s.NeedsRetry = true
		t.failedChunks++
		return true
	}
	return false
}

// ResetAfterRecovery clears a chunk's retry counters once the recovery
// scan successfully re-verifies and re-exposes it (§4.5 step 4).
func (t *Tracker) ResetAfterRecovery(index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[index] = &RetryState{}
}

// NeedsRecovery returns the indices currently flagged needs_retry, for
// the background recovery scan to walk.
func (t *Tracker) NeedsRecovery() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for idx, s := range t.state {
		if s.NeedsRetry {
			out = append(out, idx)
		}
	}
	return out
}

// FailedChunks returns the surface's failed_chunks counter.
func (t *Tracker) FailedChunks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedChunks
}

// ChunkSource supplies a sender's own stored bytes for the recovery scan,
// implemented by the manifest chunk producer in use (ByteSource or
// StreamAccumulator).
type ChunkSource interface {
	Chunk(index uint32) ([]byte, error)
}

// RecoveryResult reports the outcome of re-verifying one chunk during a
// recovery scan.
type RecoveryResult struct {
	Index      uint32
	OK         bool
	Corrupted  bool // hash mismatch against the sender's own stored hash: fatal (§4.5)
	SourceErr  error
}

// RunRecoveryScan re-reads each needs_retry chunk's bytes from src,
// recomputes its hash under key, and compares against the hash recorded
// at expose time. A mismatch here means the sender's own stored bytes
// have been corrupted since exposure — an IntegrityFailure that §4.5
// declares fatal, unlike an ordinary receive-side hash failure. Chunks
// that re-verify cleanly have their retry counters reset so they are
// re-exposed from a clean slate.
func (t *Tracker) RunRecoveryScan(src ChunkSource, key [32]byte) []RecoveryResult {
	indices := t.NeedsRecovery()
	results := make([]RecoveryResult, 0, len(indices))
	for _, idx := range indices {
		data, err := src.Chunk(idx)
		if err != nil {
			results = append(results, RecoveryResult{Index: idx, SourceErr: err})
			continue
		}
		t.mu.Lock()
		want, haveHash := t.hashes[idx]
		t.mu.Unlock()
		if !haveHash {
			t.ResetAfterRecovery(idx)
			results = append(results, RecoveryResult{Index: idx, OK: true})
			continue
		}
		if HashChunk(key, data) != want {
			results = append(results, RecoveryResult{Index: idx, Corrupted: true})
			continue
		}
		t.ResetAfterRecovery(idx)
		results = append(results, RecoveryResult{Index: idx, OK: true})
	}
	return results
}
