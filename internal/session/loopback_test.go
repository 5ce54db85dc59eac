package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/transport"
)

// TestSenderReceiverLoopback drives a full Sender against a full Receiver
// over real loopback UDP sockets, exercising the handshake, exposing, and
// completion phases of §4.6/§4.7 end to end.
func TestSenderReceiverLoopback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ChunkSize = 16
	cfg.IntegrityMode = manifest.IntegrityPerChunkHash
	cfg.CipherMode = manifest.CipherNone
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SessionDeadline = 3 * time.Second
	cfg.CancelGrace = 500 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("cfg.Validate: %v", err)
	}

	senderSocket, err := transport.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind sender socket: %v", err)
	}
	defer senderSocket.Close()
	receiverSocket, err := transport.Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("bind receiver socket: %v", err)
	}
	defer receiverSocket.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 5) // 80 bytes, 5 chunks at 16 bytes each
	secret := []byte("test-preshared-secret")

	sender, err := NewSender(cfg, NewExposureID(), senderSocket, receiverSocket.LocalAddr(), manifest.New(uint64(len(payload)), cfg.ChunkSize, cfg.IntegrityMode, cfg.CipherMode), mustByteSource(t, payload, cfg), secret, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	receiver := NewReceiver(cfg, sender.ID(), receiverSocket, senderSocket.LocalAddr(), secret, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	senderErrCh := make(chan error, 1)
	go func() { senderErrCh <- sender.Run(ctx) }()

	if err := receiver.Run(ctx); err != nil {
		t.Fatalf("Receiver.Run: %v", err)
	}
	if err := <-senderErrCh; err != nil {
		t.Fatalf("Sender.Run: %v", err)
	}

	if receiver.State() != ReceiverDone {
		t.Errorf("receiver state = %s, want done", receiver.State())
	}
	if sender.State() != SenderDone {
		t.Errorf("sender state = %s, want done", sender.State())
	}

	var got bytes.Buffer
	m := manifest.New(uint64(len(payload)), cfg.ChunkSize, cfg.IntegrityMode, cfg.CipherMode)
	for i := uint32(0); i < m.ChunkCount; i++ {
		chunk, ok := receiver.Chunk(i)
		if !ok {
			t.Fatalf("missing chunk %d after completion", i)
		}
		got.Write(chunk)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("reassembled payload = %q, want %q", got.Bytes(), payload)
	}
}

func mustByteSource(t *testing.T, data []byte, cfg *config.Config) *manifest.ByteSource {
	t.Helper()
	m := manifest.New(uint64(len(data)), cfg.ChunkSize, cfg.IntegrityMode, cfg.CipherMode)
	src, err := manifest.NewByteSource(data, m)
	if err != nil {
		t.Fatalf("NewByteSource: %v", err)
	}
	return src
}
