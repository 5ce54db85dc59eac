package manifest

import "fmt"

// ByteSource hands out chunk payloads for an in-memory object. It is the
// in-process analogue of the teacher's file-backed ReadChunk: callers that
// want to expose a file map it (mmap or buffered read) before handing the
// bytes to a sender, since file I/O adapters are an external collaborator
// concern, not part of this core.
type ByteSource struct {
	data     []byte
	manifest Manifest
}

// NewByteSource wraps data as the source object for manifest m. len(data)
// must equal m.TotalSize.
func NewByteSource(data []byte, m Manifest) (*ByteSource, error) {
	if uint64(len(data)) != m.TotalSize {
		return nil, fmt.Errorf("chunker: source length %d does not match manifest total_size %d", len(data), m.TotalSize)
	}
	return &ByteSource{data: data, manifest: m}, nil
}

// Chunk returns a view of chunk index's bytes. The returned slice aliases
// the source buffer and must not be mutated by the caller.
func (s *ByteSource) Chunk(index uint32) ([]byte, error) {
	n, err := s.manifest.ChunkLength(index)
	if err != nil {
		return nil, err
	}
	off := s.manifest.Offset(index)
	return s.data[off : off+uint64(n)], nil
}

// StreamProducer is the chunk-at-a-time callback shape accepted by
// session.expose_stream (§6): it returns the next chunk's bytes, or
// io.EOF-equivalent via ok=false once exhausted.
type StreamProducer func() (chunk []byte, ok bool, err error)

// StreamAccumulator collects the chunks a StreamProducer hands out (via
// Add) under a fixed chunk size and builds a Manifest from them once the
// producer is exhausted (via Finalize). Unlike ByteSource it does not
// require the total size up front.
type StreamAccumulator struct {
	chunkSize uint32
	chunks    [][]byte
	total     uint64
}

// NewStreamAccumulator creates an accumulator for a fixed chunkSize.
func NewStreamAccumulator(chunkSize uint32) *StreamAccumulator {
	if chunkSize == 0 {
		chunkSize = AssumedMTU
	}
	return &StreamAccumulator{chunkSize: chunkSize}
}

// Add appends a produced chunk and returns its assigned index.
func (a *StreamAccumulator) Add(chunk []byte) uint32 {
	idx := uint32(len(a.chunks))
	a.chunks = append(a.chunks, chunk)
	a.total += uint64(len(chunk))
	return idx
}

// Finalize builds the Manifest once the stream is exhausted.
func (a *StreamAccumulator) Finalize(integrity IntegrityMode, cipher CipherMode) Manifest {
	return Manifest{
		TotalSize:     a.total,
		ChunkSize:     a.chunkSize,
		ChunkCount:    uint32(len(a.chunks)),
		IntegrityMode: integrity,
		CipherMode:    cipher,
	}
}

// Chunk returns the bytes previously accumulated at index.
func (a *StreamAccumulator) Chunk(index uint32) ([]byte, error) {
	if int(index) >= len(a.chunks) {
		return nil, fmt.Errorf("chunker: index %d out of range [0,%d)", index, len(a.chunks))
	}
	return a.chunks[index], nil
}
