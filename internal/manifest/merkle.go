package manifest

import "github.com/zeebo/blake3"

// MerkleRoot folds a list of per-chunk hashes into a single root, giving
// callers an optional whole-object consistency check independent of the
// per-chunk §4.5 verification. Not required by the wire protocol; a sender
// and receiver that both compute it out-of-band can compare roots as a
// final sanity check once a transfer completes.
func MerkleRoot(chunkHashes [][]byte) []byte {
	if len(chunkHashes) == 0 {
		return nil
	}
	level := make([][]byte, len(chunkHashes))
	copy(level, chunkHashes)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			h := blake3.New()
			h.Write(level[i])
			if i+1 < len(level) {
				h.Write(level[i+1])
			} else {
				h.Write(level[i])
			}
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
