package manifest

import "testing"

func TestNewChunkCount(t *testing.T) {
	cases := []struct {
		total, chunk uint64
		wantCount    uint32
	}{
		{0, 1400, 1},
		{1, 1400, 1},
		{1400, 1400, 1},
		{1401, 1400, 2},
		{2800, 1400, 2},
	}
	for _, c := range cases {
		m := New(c.total, uint32(c.chunk), IntegrityNone, CipherNone)
		if m.ChunkCount != c.wantCount {
			t.Errorf("New(%d,%d): ChunkCount = %d, want %d", c.total, c.chunk, m.ChunkCount, c.wantCount)
		}
	}
}

func TestChunkLengthLastChunkShort(t *testing.T) {
	m := New(2800+500, 1400, IntegrityNone, CipherNone)
	if m.ChunkCount != 3 {
		t.Fatalf("ChunkCount = %d, want 3", m.ChunkCount)
	}
	n0, err := m.ChunkLength(0)
	if err != nil || n0 != 1400 {
		t.Errorf("ChunkLength(0) = %d, %v; want 1400, nil", n0, err)
	}
	n2, err := m.ChunkLength(2)
	if err != nil || n2 != 500 {
		t.Errorf("ChunkLength(2) = %d, %v; want 500, nil", n2, err)
	}
	if _, err := m.ChunkLength(3); err == nil {
		t.Error("ChunkLength(3) should error: out of range")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := New(10*1024*1024, 16*AssumedMTU, IntegrityPerChunkHash, CipherStreamXOR)
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var got Manifest
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != m {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestChooseChunkSize(t *testing.T) {
	if got := ChooseChunkSize(1024); got != AssumedMTU {
		t.Errorf("ChooseChunkSize(1KiB) = %d, want %d", got, AssumedMTU)
	}
	if got := ChooseChunkSize(500 * 1024); got != 4*AssumedMTU {
		t.Errorf("ChooseChunkSize(500KiB) = %d, want %d", got, 4*AssumedMTU)
	}
	if got := ChooseChunkSize(10 * 1024 * 1024); got != 16*AssumedMTU {
		t.Errorf("ChooseChunkSize(10MiB) = %d, want %d", got, 16*AssumedMTU)
	}
}

func TestByteSourceChunk(t *testing.T) {
	data := make([]byte, 3500)
	for i := range data {
		data[i] = byte(i)
	}
	m := New(uint64(len(data)), 1400, IntegrityNone, CipherNone)
	src, err := NewByteSource(data, m)
	if err != nil {
		t.Fatalf("NewByteSource: %v", err)
	}
	c0, _ := src.Chunk(0)
	if len(c0) != 1400 {
		t.Errorf("chunk 0 length = %d, want 1400", len(c0))
	}
	c2, _ := src.Chunk(2)
	if len(c2) != 700 {
		t.Errorf("chunk 2 length = %d, want 700", len(c2))
	}
}
