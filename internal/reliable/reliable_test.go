package reliable

import (
	"errors"
	"testing"
	"time"
)

func testKey() [32]byte {
	return ChunkKey([]byte("pre-shared-secret"), [16]byte{1, 2, 3})
}

func TestHashChunkDeterministic(t *testing.T) {
	key := testKey()
	data := []byte("hello chunk")
	a := HashChunk(key, data)
	b := HashChunk(key, data)
	if a != b {
		t.Error("HashChunk should be deterministic for the same key and data")
	}

	other := HashChunk(key, []byte("different chunk"))
	if a == other {
		t.Error("different payloads should not collide")
	}
}

func TestChunkKeyIsSurfaceScoped(t *testing.T) {
	secret := []byte("pre-shared-secret")
	k1 := ChunkKey(secret, [16]byte{1})
	k2 := ChunkKey(secret, [16]byte{2})
	if k1 == k2 {
		t.Error("different exposure IDs must derive different chunk keys")
	}
}

func TestVerifyReceived(t *testing.T) {
	key := testKey()
	tr := New(DefaultConfig())
	data := []byte("payload")
	tr.RecordHash(3, HashChunk(key, data))

	if !tr.VerifyReceived(3, key, data) {
		t.Error("expected matching hash to verify")
	}
	if tr.VerifyReceived(3, key, []byte("tampered")) {
		t.Error("expected tampered payload to fail verification")
	}
	if !tr.VerifyReceived(99, key, data) {
		t.Error("an index with no recorded hash should pass through (integrity_mode=none)")
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	tr := New(Config{BaseBackoff: 10 * time.Millisecond, MaxRetries: 3})
	now := time.Now()

	if !tr.ShouldRetryNow(0, now) {
		t.Error("first attempt should always be allowed")
	}
	tr.MarkAttempt(0, now)

	if tr.ShouldRetryNow(0, now.Add(5*time.Millisecond)) {
		t.Error("retry before backoff elapses should not be allowed")
	}
	if !tr.ShouldRetryNow(0, now.Add(21*time.Millisecond)) {
		t.Error("retry after backoff elapses should be allowed")
	}
}

func TestMarkAttemptExceedsMaxRetries(t *testing.T) {
	tr := New(Config{BaseBackoff: time.Millisecond, MaxRetries: 2})
	now := time.Now()

	justFailed := false
	for i := 0; i < 5; i++ {
		if tr.MarkAttempt(0, now) {
			justFailed = true
		}
		now = now.Add(time.Millisecond)
	}
	if !justFailed {
		t.Error("expected MarkAttempt to report failure once max_retries is exceeded")
	}
	if tr.FailedChunks() != 1 {
		t.Errorf("FailedChunks() = %d, want 1", tr.FailedChunks())
	}

	needs := tr.NeedsRecovery()
	if len(needs) != 1 || needs[0] != 0 {
		t.Errorf("NeedsRecovery() = %v, want [0]", needs)
	}
}

type fakeSource struct {
	chunks map[uint32][]byte
}

func (s *fakeSource) Chunk(index uint32) ([]byte, error) {
	data, ok := s.chunks[index]
	if !ok {
		return nil, errors.New("no such chunk")
	}
	return data, nil
}

func TestRunRecoveryScanCleanChunk(t *testing.T) {
	key := testKey()
	tr := New(Config{BaseBackoff: time.Millisecond, MaxRetries: 1})
	data := []byte("stable bytes")
	tr.RecordHash(4, HashChunk(key, data))

	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.MarkAttempt(4, now)
	}
	if len(tr.NeedsRecovery()) != 1 {
		t.Fatal("expected chunk 4 to need recovery before the scan runs")
	}

	src := &fakeSource{chunks: map[uint32][]byte{4: data}}
	results := tr.RunRecoveryScan(src, key)
	if len(results) != 1 || !results[0].OK || results[0].Corrupted {
		t.Fatalf("expected clean recovery result, got %+v", results)
	}
	if len(tr.NeedsRecovery()) != 0 {
		t.Error("recovery should clear needs_retry once the hash re-verifies")
	}
}

func TestRunRecoveryScanCorruption(t *testing.T) {
	key := testKey()
	tr := New(Config{BaseBackoff: time.Millisecond, MaxRetries: 1})
	tr.RecordHash(4, HashChunk(key, []byte("original bytes")))

	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.MarkAttempt(4, now)
	}

	src := &fakeSource{chunks: map[uint32][]byte{4: []byte("corrupted bytes")}}
	results := tr.RunRecoveryScan(src, key)
	if len(results) != 1 || !results[0].Corrupted {
		t.Fatalf("expected corruption to be flagged as fatal, got %+v", results)
	}
}
