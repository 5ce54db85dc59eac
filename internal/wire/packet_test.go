package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Type:       TypeChunkData,
		Flags:      FlagHasHash,
		ExposureID: ExposureID{1, 2, 3, 4},
		Sequence:   42,
	}
	payload := []byte("chunk payload bytes")

	data, err := Encode(h, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.Type != TypeChunkData {
		t.Errorf("Type = %v, want %v", got.Header.Type, TypeChunkData)
	}
	if got.Header.Sequence != 42 {
		t.Errorf("Sequence = %d, want 42", got.Header.Sequence)
	}
	if !got.Header.Flags.HasHash() {
		t.Error("expected HasHash flag set")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, payload)
	}
}

func TestDecodeRejectsShortDatagram(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected MalformedPacket for truncated header")
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	h := Header{Type: Type(0x7f), ExposureID: ExposureID{9}}
	data, err := Encode(h, nil)
	if err == nil {
		t.Fatal("Encode should reject an unknown type before it ever reaches the wire")
	}
	_ = data
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	h := Header{Type: TypeCancel}
	data, err := Encode(h, EncodeCancel(CancelReasonLocalCancellation))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[0] = 2 // version
	if _, err := Decode(data); err == nil {
		t.Error("expected MalformedPacket for version mismatch")
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	h := Header{Type: TypeChunkAck}
	data, err := Encode(h, EncodeIndexListAck([]uint32{1, 2, 3}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if _, err := Decode(data); err == nil {
		t.Error("expected MalformedPacket for checksum mismatch")
	}
}

func TestDecodeRejectsPayloadSizeMismatch(t *testing.T) {
	h := Header{Type: TypeChunkData, Sequence: 1}
	data, err := Encode(h, []byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := data[:len(data)-2]
	if _, err := Decode(truncated); err == nil {
		t.Error("expected MalformedPacket when payload_size exceeds remaining bytes")
	}
}

func TestIndexListRoundTrip(t *testing.T) {
	want := []uint32{0, 1, 5, 1000, 70000}
	data := EncodeIndexList(want)
	got, err := DecodeIndexList(data)
	if err != nil {
		t.Fatalf("DecodeIndexList: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestAckEncodingRoundTrip(t *testing.T) {
	indices := []uint32{3, 7, 9}
	payload := EncodeIndexListAck(indices)
	enc, got, bm, err := DecodeAck(payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if enc != AckEncodingIndexList || bm != nil {
		t.Fatalf("expected index-list encoding, got %v / bitmap %v", enc, bm)
	}
	for i := range indices {
		if got[i] != indices[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], indices[i])
		}
	}

	snapshot := []byte{0xff, 0x0f}
	bmPayload := EncodeBitmapAck(snapshot)
	enc2, _, gotSnap, err := DecodeAck(bmPayload)
	if err != nil {
		t.Fatalf("DecodeAck (bitmap): %v", err)
	}
	if enc2 != AckEncodingBitmap || !bytes.Equal(gotSnap, snapshot) {
		t.Errorf("bitmap round-trip mismatch: %v", gotSnap)
	}
}

func TestCancelRoundTrip(t *testing.T) {
	payload := EncodeCancel(CancelReasonIntegrityFailure)
	got, err := DecodeCancel(payload)
	if err != nil {
		t.Fatalf("DecodeCancel: %v", err)
	}
	if got != CancelReasonIntegrityFailure {
		t.Errorf("reason = %v, want %v", got, CancelReasonIntegrityFailure)
	}
}

func FuzzDecode(f *testing.F) {
	h := Header{Type: TypeChunkData, Sequence: 7}
	seed, _ := Encode(h, []byte("seed payload"))
	f.Add(seed)
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Decode must never panic on arbitrary input; any structural
		// problem surfaces as a MalformedPacketError.
		_, _ = Decode(data)
	})
}
