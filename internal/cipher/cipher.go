// Package cipher implements the RGT stream_xor cipher mode (§3, §9): a
// pre-shared-key keystream obfuscation layer with no authentication. The
// spec is explicit that stream_xor is "not cryptographically strong" —
// it denies casual inspection of chunk bytes on the wire, nothing more.
// Integrity is the separate concern of internal/reliable's per_chunk_hash.
package cipher

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	streamInfo = "rgt-v1-stream-xor"

	// KeyMaterialLen is KeySize (chacha20 key) + 12 (nonce XOR base).
	KeyMaterialLen = chacha20.KeySize + 12
)

// Keys holds the material derived for one exposure surface's stream_xor
// cipher: a chacha20 key plus a base nonce that per-chunk nonces are
// derived from.
type Keys struct {
	Key      [chacha20.KeySize]byte
	NonceBase [12]byte
}

// DeriveKeys derives Keys for an exposure surface from a pre-shared
// secret and the surface's exposure_id. There is no key exchange: §3
// states cipher keys are pre-shared, so the only job here is binding the
// shared secret to one surface via HKDF so the same secret never
// produces the same keystream across two different transfers.
func DeriveKeys(presharedSecret []byte, exposureID [16]byte) (Keys, error) {
	if len(presharedSecret) == 0 {
		return Keys{}, fmt.Errorf("cipher: pre-shared secret must not be empty")
	}
	reader := hkdf.New(sha256.New, presharedSecret, exposureID[:], []byte(streamInfo))

	material := make([]byte, KeyMaterialLen)
	if _, err := io.ReadFull(reader, material); err != nil {
		return Keys{}, fmt.Errorf("cipher: HKDF derivation failed: %w", err)
	}

	var keys Keys
	copy(keys.Key[:], material[:chacha20.KeySize])
	copy(keys.NonceBase[:], material[chacha20.KeySize:])
	return keys, nil
}

// deriveNonce XORs the low 8 bytes of the base nonce with a little-endian
// counter, leaving the high 4 bytes untouched — the same XOR-with-counter
// shape the teacher uses for AES-GCM nonces, reused here for chacha20's
// 12-byte nonce so every chunk index gets a distinct keystream start
// without needing per-chunk state beyond the index itself.
func deriveNonce(base [12]byte, counter uint64) [12]byte {
	var nonce [12]byte
	for i := 0; i < 8; i++ {
		nonce[i] = base[i] ^ byte(counter>>(8*i))
	}
	copy(nonce[8:12], base[8:12])
	return nonce
}

// XORChunk applies the chacha20 keystream for chunkIndex to data,
// returning a new slice and leaving the caller's buffer untouched. The
// same call encrypts plaintext or decrypts ciphertext, since XOR against
// a keystream is its own inverse.
func XORChunk(keys Keys, chunkIndex uint32, data []byte) ([]byte, error) {
	nonce := deriveNonce(keys.NonceBase, uint64(chunkIndex))
	stream, err := chacha20.NewUnauthenticatedCipher(keys.Key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: chacha20 init failed: %w", err)
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}
