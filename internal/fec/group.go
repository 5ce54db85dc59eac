package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// GroupPlan maps a manifest's dense chunk indices onto Reed-Solomon FEC
// groups of size k, each contributing r parity chunks at synthetic
// indices appended after chunk_count (§11.4): group g's parity chunks
// occupy [chunkCount + g*r, chunkCount + g*r + r).
type GroupPlan struct {
	chunkCount uint32
	k, r       int
}

// NewGroupPlan builds a plan for chunkCount real chunks grouped k at a
// time with r parity chunks per group.
func NewGroupPlan(chunkCount uint32, k, r int) (*GroupPlan, error) {
	if k < 1 {
		return nil, fmt.Errorf("fec: group size k must be >= 1, got %d", k)
	}
	if r < 1 {
		return nil, fmt.Errorf("fec: parity count r must be >= 1, got %d", r)
	}
	return &GroupPlan{chunkCount: chunkCount, k: k, r: r}, nil
}

// GroupCount returns the number of FEC groups spanning chunkCount chunks.
func (p *GroupPlan) GroupCount() uint32 {
	n := p.chunkCount / uint32(p.k)
	if p.chunkCount%uint32(p.k) != 0 {
		n++
	}
	return n
}

// GroupOf returns the group index a real chunk index belongs to.
func (p *GroupPlan) GroupOf(chunkIndex uint32) uint32 {
	return chunkIndex / uint32(p.k)
}

// Members returns the real chunk indices belonging to group g, which may
// be shorter than k for the final, partial group. A caller encoding a
// partial group must zero-pad its last data shard up to the other
// members' length before calling GroupEncoder.Encode, and discard that
// padding after GroupDecoder.Reconstruct; the group plan itself only
// tracks indices, not shard bytes.
func (p *GroupPlan) Members(g uint32) []uint32 {
	start := g * uint32(p.k)
	end := start + uint32(p.k)
	if end > p.chunkCount {
		end = p.chunkCount
	}
	out := make([]uint32, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}

// ParityIndices returns the synthetic indices carrying group g's r
// parity chunks, placed after the dense [0, chunk_count) real-chunk range
// so they never perturb real indexing.
func (p *GroupPlan) ParityIndices(g uint32) []uint32 {
	base := p.chunkCount + g*uint32(p.r)
	out := make([]uint32, p.r)
	for i := range out {
		out[i] = base + uint32(i)
	}
	return out
}

// TotalSyntheticIndices returns how many indices beyond chunk_count this
// plan uses for parity, across every group.
func (p *GroupPlan) TotalSyntheticIndices() uint32 {
	return p.GroupCount() * uint32(p.r)
}

// IsParityIndex reports whether idx names a synthetic parity chunk
// rather than a real one.
func (p *GroupPlan) IsParityIndex(idx uint32) bool {
	return idx >= p.chunkCount
}

// GroupOfParity returns the group a synthetic parity index belongs to.
// Behavior is undefined if idx is not actually a parity index; callers
// check IsParityIndex first.
func (p *GroupPlan) GroupOfParity(idx uint32) uint32 {
	return (idx - p.chunkCount) / uint32(p.r)
}

// K returns the plan's data-shard group size.
func (p *GroupPlan) K() int { return p.k }

// R returns the plan's parity-shard count per group.
func (p *GroupPlan) R() int { return p.r }

// GroupEncoder turns one GroupPlan group's k data shards into its r
// parity shards via Reed-Solomon. It holds no group-plan state itself —
// a surface builds one GroupEncoder per plan (k, r) and calls Encode
// once per group as chunks fill in — so its only job is the shard math
// a GroupPlan doesn't do: zero-padding aside, encoding and
// reconstruction.
type GroupEncoder struct {
	k, r int
	rs   reedsolomon.Encoder
}

// NewGroupEncoder builds an encoder for groups of k data shards plus r
// parity shards, matching some GroupPlan's (k, r).
func NewGroupEncoder(k, r int) (*GroupEncoder, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("fec: group size k must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("fec: parity count r must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: building reed-solomon matrix: %w", err)
	}
	return &GroupEncoder{k: k, r: r, rs: rs}, nil
}

// Encode computes one group's r parity shards from its k data shards.
// Every data shard must already be padded to the same length (the
// GroupPlan's caller's job for a partial final group).
func (e *GroupEncoder) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != e.k {
		return nil, fmt.Errorf("fec: group has %d data shards, encoder wants %d", len(dataShards), e.k)
	}
	if len(dataShards) > 0 {
		shardSize := len(dataShards[0])
		for i, shard := range dataShards {
			if len(shard) != shardSize {
				return nil, fmt.Errorf("fec: shard %d is %d bytes, group shard size is %d", i, len(shard), shardSize)
			}
		}
	}

	parityShards := make([][]byte, e.r)
	for i := range parityShards {
		if len(dataShards) > 0 {
			parityShards[i] = make([]byte, len(dataShards[0]))
		}
	}

	allShards := make([][]byte, e.k+e.r)
	copy(allShards[:e.k], dataShards)
	copy(allShards[e.k:], parityShards)

	if err := e.rs.Encode(allShards); err != nil {
		return nil, fmt.Errorf("fec: encoding group parity: %w", err)
	}
	return allShards[e.k:], nil
}

// K returns the encoder's data-shard group size.
func (e *GroupEncoder) K() int { return e.k }

// R returns the encoder's parity-shard count per group.
func (e *GroupEncoder) R() int { return e.r }

// GroupDecoder reconstructs a group's missing shards (data or parity)
// from however many of its k+r shards survived, so long as no more than
// r are missing.
type GroupDecoder struct {
	k, r int
	rs   reedsolomon.Encoder
}

// NewGroupDecoder builds a decoder for groups of k data shards plus r
// parity shards, matching some GroupPlan's (k, r).
func NewGroupDecoder(k, r int) (*GroupDecoder, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("fec: group size k must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("fec: parity count r must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: building reed-solomon matrix: %w", err)
	}
	return &GroupDecoder{k: k, r: r, rs: rs}, nil
}

// Reconstruct fills in a group's missing shards in place. shards must
// have exactly k+r entries, one per data/parity position, nil where a
// shard is missing.
func (d *GroupDecoder) Reconstruct(shards [][]byte) error {
	if len(shards) != d.k+d.r {
		return fmt.Errorf("fec: group has %d shards, decoder wants %d (k=%d + r=%d)", len(shards), d.k+d.r, d.k, d.r)
	}

	missing := 0
	for _, shard := range shards {
		if shard == nil {
			missing++
		}
	}
	if missing > d.r {
		return fmt.Errorf("fec: %d shards missing, can only recover up to %d", missing, d.r)
	}
	if missing == 0 {
		return nil
	}

	if err := d.rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstructing group: %w", err)
	}
	return nil
}

// K returns the decoder's data-shard group size.
func (d *GroupDecoder) K() int { return d.k }

// R returns the decoder's parity-shard count per group.
func (d *GroupDecoder) R() int { return d.r }
