package session

import (
	"bytes"
	"testing"

	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/reliable"
	"github.com/redgiant-project/rgt/internal/surface"
	"github.com/redgiant-project/rgt/internal/wire"
)

func newTestReceiverForChunks(t *testing.T, m manifest.Manifest, key [32]byte) *Receiver {
	t.Helper()
	return &Receiver{
		id:       NewExposureID(),
		manifest: m,
		chunkKey: key,
		rsurface: surface.NewReceiveSurface(m, reliable.DefaultConfig()),
	}
}

// TestAcceptChunkPacketVerifiesHashTrailer exercises the CHUNK_DATA hash
// trailer end to end at the packet level: a correctly-hashed payload is
// accepted and stored, a tampered one is dropped without ever setting its
// bitmap bit (§4.5 I5).
func TestAcceptChunkPacketVerifiesHashTrailer(t *testing.T) {
	m := manifest.New(10, 10, manifest.IntegrityPerChunkHash, manifest.CipherNone)
	var key [32]byte

	t.Run("valid hash accepted", func(t *testing.T) {
		r := newTestReceiverForChunks(t, m, key)
		data := []byte("0123456789")
		hash := reliable.HashChunk(key, data)
		payload := append(append([]byte{}, data...), hash[:]...)

		pkt := wire.Packet{
			Header: wire.Header{
				Type:     wire.TypeChunkData,
				Flags:    wire.FlagHasHash,
				Sequence: 0,
			},
			Payload: payload,
		}
		if err := r.acceptChunkPacket(pkt); err != nil {
			t.Fatalf("acceptChunkPacket: %v", err)
		}
		got, ok := r.rsurface.Chunk(0)
		if !ok || !bytes.Equal(got, data) {
			t.Errorf("Chunk(0) = (%q, %v), want (%q, true)", got, ok, data)
		}
	})

	t.Run("tampered payload dropped", func(t *testing.T) {
		r := newTestReceiverForChunks(t, m, key)
		data := []byte("0123456789")
		hash := reliable.HashChunk(key, data)
		tampered := []byte("tampered!!")
		payload := append(append([]byte{}, tampered...), hash[:]...)

		pkt := wire.Packet{
			Header: wire.Header{
				Type:     wire.TypeChunkData,
				Flags:    wire.FlagHasHash,
				Sequence: 0,
			},
			Payload: payload,
		}
		if err := r.acceptChunkPacket(pkt); err != nil {
			t.Fatalf("acceptChunkPacket: %v", err)
		}
		if _, ok := r.rsurface.Chunk(0); ok {
			t.Error("expected a hash-mismatched chunk to never be stored")
		}
		if r.rsurface.Bitmap.Test(0) {
			t.Error("expected bit 0 to stay unset on hash mismatch")
		}
	})
}
