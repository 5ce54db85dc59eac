package surface

import (
	"bytes"
	"testing"

	"github.com/redgiant-project/rgt/internal/fec"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/reliable"
)

func TestAcceptChunkStoresAndSetsBit(t *testing.T) {
	m := manifest.New(20, 10, manifest.IntegrityNone, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	var key [32]byte
	ok, err := r.AcceptChunk(0, []byte("0123456789"), key)
	if err != nil {
		t.Fatalf("AcceptChunk: %v", err)
	}
	if !ok {
		t.Fatal("expected chunk 0 to be accepted")
	}
	if !r.Bitmap.Test(0) {
		t.Error("expected bit 0 set")
	}
	if r.SnapshotStats(0).BytesReceived != 10 {
		t.Errorf("BytesReceived = %d, want 10", r.SnapshotStats(0).BytesReceived)
	}
}

func TestAcceptChunkIdempotent(t *testing.T) {
	m := manifest.New(10, 10, manifest.IntegrityNone, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	var key [32]byte
	data := []byte("0123456789")
	if _, err := r.AcceptChunk(0, data, key); err != nil {
		t.Fatalf("first AcceptChunk: %v", err)
	}
	ok, err := r.AcceptChunk(0, data, key)
	if err != nil {
		t.Fatalf("second AcceptChunk: %v", err)
	}
	if ok {
		t.Error("expected second AcceptChunk for an already-set bit to report not-accepted")
	}
	if r.SnapshotStats(0).ChunksReceived != 1 {
		t.Errorf("ChunksReceived = %d, want 1 (no double count)", r.SnapshotStats(0).ChunksReceived)
	}
}

func TestAcceptChunkRejectsHashMismatch(t *testing.T) {
	m := manifest.New(10, 10, manifest.IntegrityPerChunkHash, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	var key [32]byte
	r.RecordExpectedChunk(0, reliable.HashChunk(key, []byte("0123456789")))

	ok, err := r.AcceptChunk(0, []byte("tampered!!"), key)
	if err != nil {
		t.Fatalf("AcceptChunk: %v", err)
	}
	if ok {
		t.Error("expected a hash mismatch to be dropped, not accepted")
	}
	if r.Bitmap.Test(0) {
		t.Error("bit must not be set on a hash mismatch (I5)")
	}
}

func TestAcceptChunkOutOfRange(t *testing.T) {
	m := manifest.New(10, 10, manifest.IntegrityNone, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	var key [32]byte
	if _, err := r.AcceptChunk(5, []byte("x"), key); err == nil {
		t.Error("expected an error for an out-of-range chunk index")
	}
}

func TestMissingAndProgress(t *testing.T) {
	m := manifest.New(30, 10, manifest.IntegrityNone, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	var key [32]byte
	r.AcceptChunk(0, make([]byte, 10), key)

	if got := r.Progress(); got != 1.0/3.0 {
		t.Errorf("Progress = %f, want %f", got, 1.0/3.0)
	}
	missing := r.Missing()
	if len(missing) != 2 {
		t.Errorf("Missing() = %v, want 2 entries", missing)
	}
	if r.IsComplete() {
		t.Error("surface should not be complete yet")
	}
}

func TestDrainChunkReleasesStorage(t *testing.T) {
	m := manifest.New(10, 10, manifest.IntegrityNone, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	var key [32]byte
	r.AcceptChunk(0, []byte("0123456789"), key)

	data, ok := r.DrainChunk(0)
	if !ok || string(data) != "0123456789" {
		t.Fatalf("DrainChunk = (%q, %v), want (\"0123456789\", true)", data, ok)
	}
	if _, ok := r.DrainChunk(0); ok {
		t.Error("expected second DrainChunk to report not-found after release")
	}
}

func TestNotePacketOutcomeLossRate(t *testing.T) {
	m := manifest.New(10, 10, manifest.IntegrityNone, manifest.CipherNone)
	r := NewReceiveSurface(m, reliable.DefaultConfig())

	r.NotePacketOutcome(false)
	r.NotePacketOutcome(true)
	r.NotePacketOutcome(false)
	r.NotePacketOutcome(false)

	stats := r.SnapshotStats(1000)
	if stats.LossRate != 0.25 {
		t.Errorf("LossRate = %f, want 0.25", stats.LossRate)
	}
	if stats.RTTEstimate != 1000 {
		t.Errorf("RTTEstimate = %d, want 1000", stats.RTTEstimate)
	}
}

// TestTryReconstructFillsMissingRealChunks builds one FEC group (k=4,
// r=2) by hand, delivers only 2 of the 4 real chunks plus both parity
// chunks, and checks TryReconstruct recovers the other 2 real chunks
// without ever calling AcceptChunk for them directly (§11.4).
func TestTryReconstructFillsMissingRealChunks(t *testing.T) {
	const k, r = 4, 2
	m := manifest.New(40, 10, manifest.IntegrityNone, manifest.CipherNone).WithFEC(k, r)
	rs := NewReceiveSurface(m, reliable.DefaultConfig())
	if rs.FECPlan() == nil {
		t.Fatal("expected a non-nil FEC plan for an FEC-enabled manifest")
	}

	real := [k][]byte{
		[]byte("chunk-zero"),
		[]byte("chunk-one!"),
		[]byte("chunk-two!"),
		[]byte("chunk-thre"),
	}
	enc, err := fec.NewGroupEncoder(k, r)
	if err != nil {
		t.Fatalf("NewGroupEncoder: %v", err)
	}
	parity, err := enc.Encode([][]byte{real[0], real[1], real[2], real[3]})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var key [32]byte
	if ok, err := rs.AcceptChunk(0, real[0], key); err != nil || !ok {
		t.Fatalf("AcceptChunk(0) = %v, %v", ok, err)
	}
	if ok, err := rs.AcceptChunk(2, real[2], key); err != nil || !ok {
		t.Fatalf("AcceptChunk(2) = %v, %v", ok, err)
	}

	plan := rs.FECPlan()
	parityIdx := plan.ParityIndices(0)
	for i, idx := range parityIdx {
		if !rs.AcceptParityChunk(idx, parity[i]) {
			t.Fatalf("AcceptParityChunk(%d) rejected", idx)
		}
	}

	recovered := rs.TryReconstruct(0, key)
	if len(recovered) != 2 {
		t.Fatalf("recovered = %v, want 2 indices (1 and 3)", recovered)
	}

	got1, ok := rs.Chunk(1)
	if !ok || !bytes.Equal(got1, real[1]) {
		t.Errorf("recovered chunk 1 = %q, want %q", got1, real[1])
	}
	got3, ok := rs.Chunk(3)
	if !ok || !bytes.Equal(got3, real[3]) {
		t.Errorf("recovered chunk 3 = %q, want %q", got3, real[3])
	}

	if rs.Missing() != nil && len(rs.Missing()) != 0 {
		t.Errorf("Missing() = %v, want empty: reconstruction must set the real Bitmap bits", rs.Missing())
	}
	if !rs.IsComplete() {
		t.Error("expected IsComplete() true once FEC recovery fills every real index")
	}
}
