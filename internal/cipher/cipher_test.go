package cipher

import "testing"

func TestXORChunkRoundTrip(t *testing.T) {
	keys, err := DeriveKeys([]byte("pre-shared-secret"), [16]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	plaintext := []byte("this is a chunk of bytes to protect")
	ciphertext, err := XORChunk(keys, 7, plaintext)
	if err != nil {
		t.Fatalf("XORChunk (encrypt): %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Error("ciphertext should not equal plaintext")
	}

	decrypted, err := XORChunk(keys, 7, ciphertext)
	if err != nil {
		t.Fatalf("XORChunk (decrypt): %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestXORChunkDistinctIndicesDiffer(t *testing.T) {
	keys, err := DeriveKeys([]byte("pre-shared-secret"), [16]byte{1})
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	plaintext := []byte("same bytes, different chunk index")
	c0, _ := XORChunk(keys, 0, plaintext)
	c1, _ := XORChunk(keys, 1, plaintext)
	if string(c0) == string(c1) {
		t.Error("different chunk indices must produce different keystreams")
	}
}

func TestDeriveKeysSurfaceScoped(t *testing.T) {
	secret := []byte("pre-shared-secret")
	k1, err := DeriveKeys(secret, [16]byte{1})
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	k2, err := DeriveKeys(secret, [16]byte{2})
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if k1.Key == k2.Key {
		t.Error("different exposure IDs must derive different keys")
	}
}

func TestDeriveKeysRejectsEmptySecret(t *testing.T) {
	if _, err := DeriveKeys(nil, [16]byte{}); err == nil {
		t.Error("expected error for empty pre-shared secret")
	}
}
