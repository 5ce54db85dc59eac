package rgt

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/manifest"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 16
	cfg.IntegrityMode = manifest.IntegrityPerChunkHash
	cfg.CipherMode = manifest.CipherNone
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SessionDeadline = 3 * time.Second
	cfg.CancelGrace = 500 * time.Millisecond
	return cfg
}

// TestExposeBytesAndPullRoundTrip drives CreateSession/ExposeBytes against
// CreateClient/Pull over real loopback UDP sockets, exercising the public
// handle API end to end (§6).
func TestExposeBytesAndPullRoundTrip(t *testing.T) {
	senderHandle, err := CreateSession(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer senderHandle.Destroy()

	clientHandle, err := CreateClient(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	defer clientHandle.Destroy()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 5) // 80 bytes, 5 chunks at 16 bytes
	secret := []byte("test-preshared-secret")

	clientAddr := clientHandle.socket.LocalAddr()
	id, err := senderHandle.ExposeBytes(clientAddr, payload, secret, nil, nil)
	if err != nil {
		t.Fatalf("ExposeBytes: %v", err)
	}

	var got bytes.Buffer
	senderAddr := senderHandle.socket.LocalAddr()
	pullErrCh := make(chan error, 1)
	go func() {
		pullErrCh <- clientHandle.Pull(senderAddr, id, secret, func(index uint32, data []byte) error {
			got.Write(data)
			return nil
		}, nil, nil)
	}()

	if err := senderHandle.WaitComplete(4 * time.Second); err != nil {
		t.Fatalf("WaitComplete: %v", err)
	}
	select {
	case err := <-pullErrCh:
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Pull did not return in time")
	}

	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("reassembled payload = %q, want %q", got.Bytes(), payload)
	}

	stats, err := senderHandle.SnapshotStats()
	if err != nil {
		t.Fatalf("SnapshotStats: %v", err)
	}
	if stats.ChunksSent == 0 {
		t.Error("expected at least one chunk to have been sent")
	}
}

// TestSessionHandleRejectsSecondExposure checks ExposeBytes refuses a
// second concurrent exposure on the same handle.
func TestSessionHandleRejectsSecondExposure(t *testing.T) {
	h, err := CreateSession(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer h.Destroy()

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	secret := []byte("secret")
	if _, err := h.ExposeBytes(peer, []byte("hello world!!!!!"), secret, nil, nil); err != nil {
		t.Fatalf("first ExposeBytes: %v", err)
	}
	if _, err := h.ExposeBytes(peer, []byte("another payload!"), secret, nil, nil); err == nil {
		t.Error("expected a second ExposeBytes on the same handle to fail")
	}
	h.Cancel()
	h.WaitComplete(2 * time.Second)
}

// TestWaitCompleteWithoutExposureErrors checks WaitComplete reports a
// usable error instead of blocking when nothing has been exposed yet.
func TestWaitCompleteWithoutExposureErrors(t *testing.T) {
	h, err := CreateSession(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer h.Destroy()

	if err := h.WaitComplete(time.Second); err == nil {
		t.Error("expected WaitComplete to fail with no active exposure")
	}
}
