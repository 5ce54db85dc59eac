// Package bitmap implements the chunk presence set (§4.1, C1): a compact,
// concurrency-safe bit array over dense chunk indices with O(1) test/set
// and an O(n/word) popcount.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Bitmap is a fixed-size, word-level-atomic bit array. Multiple goroutines
// may call Set concurrently; each word is updated via CAS so a writer never
// clobbers a sibling bit set by another goroutine in the same word.
type Bitmap struct {
	words []uint64
	size  uint32
}

// New allocates a Bitmap big enough for `size` chunk indices.
func New(size uint32) *Bitmap {
	n := (int(size) + wordBits - 1) / wordBits
	if n == 0 {
		n = 1
	}
	return &Bitmap{words: make([]uint64, n), size: size}
}

// Len returns the number of addressable bits.
func (b *Bitmap) Len() uint32 { return b.size }

func (b *Bitmap) locate(i uint32) (word int, mask uint64, err error) {
	if i >= b.size {
		return 0, 0, fmt.Errorf("bitmap: index %d out of range [0,%d)", i, b.size)
	}
	return int(i / wordBits), uint64(1) << (i % wordBits), nil
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	word, mask, err := b.locate(i)
	if err != nil {
		return false
	}
	return atomic.LoadUint64(&b.words[word])&mask != 0
}

// Set sets bit i and reports whether it transitioned 0→1 (I2/P3: a bit is
// set at most once; Set is idempotent and safe to call on an already-set
// bit).
func (b *Bitmap) Set(i uint32) (transitioned bool, err error) {
	word, mask, err := b.locate(i)
	if err != nil {
		return false, err
	}
	for {
		old := atomic.LoadUint64(&b.words[word])
		if old&mask != 0 {
			return false, nil
		}
		if atomic.CompareAndSwapUint64(&b.words[word], old, old|mask) {
			return true, nil
		}
	}
}

// Clear clears bit i. Only used at surface destruction (I2) — never during
// a session's active life (P3).
func (b *Bitmap) Clear(i uint32) error {
	word, mask, err := b.locate(i)
	if err != nil {
		return err
	}
	for {
		old := atomic.LoadUint64(&b.words[word])
		next := old &^ mask
		if atomic.CompareAndSwapUint64(&b.words[word], old, next) {
			return nil
		}
	}
}

// Popcount returns the number of set bits.
func (b *Bitmap) Popcount() uint32 {
	var n uint32
	for i := range b.words {
		n += uint32(bits.OnesCount64(atomic.LoadUint64(&b.words[i])))
	}
	return n
}

// IsComplete reports whether every addressable bit is set.
func (b *Bitmap) IsComplete() bool {
	return b.Popcount() == b.size
}

// NextUnsetFrom returns the lowest unset index >= from, or (0, false) if
// every bit from `from` onward is set.
func (b *Bitmap) NextUnsetFrom(from uint32) (uint32, bool) {
	for i := from; i < b.size; i++ {
		if !b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// Missing returns every unset index. Intended for NACK synthesis on
// modestly sized surfaces; callers with very large chunk counts should
// prefer NextUnsetFrom in a loop to avoid the allocation.
func (b *Bitmap) Missing() []uint32 {
	var out []uint32
	for i := uint32(0); i < b.size; i++ {
		if !b.Test(i) {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot copies the bitmap's word-packed bytes for wire transmission
// (bitmap-delta ACK/NACK encoding, §4.3/§9).
func (b *Bitmap) Snapshot() []byte {
	out := make([]byte, len(b.words)*8)
	for i := range b.words {
		wv := atomic.LoadUint64(&b.words[i])
		for j := 0; j < 8; j++ {
			out[i*8+j] = byte(wv >> (8 * j))
		}
	}
	return out
}
