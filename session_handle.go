package rgt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/observability"
	"github.com/redgiant-project/rgt/internal/session"
	"github.com/redgiant-project/rgt/internal/surface"
	"github.com/redgiant-project/rgt/internal/transport"
	"github.com/redgiant-project/rgt/internal/wire"
)

// SessionHandle is the sender-side handle of §6's external interface.
// CreateSession binds the socket; ExposeBytes/ExposeStream starts the
// Sender engine in the background; WaitComplete/Cancel/SnapshotStats/
// Destroy drive and inspect it from the caller's goroutine.
type SessionHandle struct {
	rt     *session.Runtime
	socket *transport.Socket

	mu     sync.Mutex
	sender *session.Sender
	doneCh chan struct{}
	runErr error
}

// CreateSession validates cfg, binds a UDP socket per cfg.bind_address/
// cfg.port, and returns a handle with no active exposure yet (§6:
// create_session). logger and metrics may be nil.
func CreateSession(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := session.NewRuntime(cfg, logger, metrics)
	socket, err := rt.BindSocket()
	if err != nil {
		return nil, err
	}
	return &SessionHandle{rt: rt, socket: socket}, nil
}

// ExposeBytes exposes an in-memory object to peer under a pre-shared
// secret and starts the Sender engine (§6: session.expose_bytes).
// progress/errSink may be nil. A handle exposes at most one object at a
// time; call Destroy and CreateSession again for a second exposure.
func (h *SessionHandle) ExposeBytes(
	peer *net.UDPAddr,
	data []byte,
	presharedSecret []byte,
	progress session.ProgressSink,
	errSink session.ErrorSink,
) (wire.ExposureID, error) {
	return h.startExpose(func() (*session.Sender, error) {
		return h.rt.NewExposeSender(h.socket, peer, data, presharedSecret, progress, errSink)
	})
}

// ExposeStream drains producer to completion, building a manifest from
// the accumulated chunks, then starts the Sender engine over it (§6:
// session.expose_stream). The exposure surface needs a complete bitmap
// and manifest before a Sender can answer its first PULL_REQUEST, so
// producer is fully drained before any byte reaches the wire.
func (h *SessionHandle) ExposeStream(
	peer *net.UDPAddr,
	producer manifest.StreamProducer,
	presharedSecret []byte,
	progress session.ProgressSink,
	errSink session.ErrorSink,
) (wire.ExposureID, error) {
	cfg := h.rt.Config()
	acc := manifest.NewStreamAccumulator(cfg.ChunkSize)
	for {
		chunk, ok, err := producer()
		if err != nil {
			return wire.ExposureID{}, fmt.Errorf("rgt: stream producer: %w", err)
		}
		if !ok {
			break
		}
		acc.Add(chunk)
	}
	m := acc.Finalize(cfg.IntegrityMode, cfg.CipherMode)
	if cfg.FECEnabled() {
		m = m.WithFEC(cfg.FECK, cfg.FECR)
	}

	return h.startExpose(func() (*session.Sender, error) {
		return h.rt.NewExposeSenderFromSource(h.socket, peer, m, acc, presharedSecret, progress, errSink)
	})
}

func (h *SessionHandle) startExpose(build func() (*session.Sender, error)) (wire.ExposureID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sender != nil {
		return wire.ExposureID{}, fmt.Errorf("rgt: session already has an active exposure")
	}

	sender, err := build()
	if err != nil {
		return wire.ExposureID{}, err
	}
	h.sender = sender
	h.doneCh = make(chan struct{})
	go func() {
		err := sender.Run(context.Background())
		h.mu.Lock()
		h.runErr = err
		h.mu.Unlock()
		close(h.doneCh)
	}()
	return sender.ID(), nil
}

// WaitComplete blocks until the active exposure reaches a terminal state
// or deadline elapses (§6: session.wait_complete). A zero deadline blocks
// indefinitely. WaitComplete may be called more than once; later calls
// observe the same outcome.
func (h *SessionHandle) WaitComplete(deadline time.Duration) error {
	h.mu.Lock()
	sender := h.sender
	done := h.doneCh
	h.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("rgt: no active exposure")
	}

	var timer <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-done:
		h.mu.Lock()
		err := h.runErr
		h.mu.Unlock()
		return err
	case <-timer:
		return fmt.Errorf("rgt: wait_complete timed out after %s", deadline)
	}
}

// Cancel requests cancellation of the active exposure (§6: session.cancel,
// §5's cancel_grace-bounded shutdown). It does not block for the engine
// to reach Cancelled; call WaitComplete for that.
func (h *SessionHandle) Cancel() error {
	h.mu.Lock()
	sender := h.sender
	h.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("rgt: no active exposure")
	}
	sender.Cancel()
	return nil
}

// SnapshotStats returns a lock-free read of the active exposure's atomic
// counters (§6: session.snapshot_stats).
func (h *SessionHandle) SnapshotStats() (surface.Stats, error) {
	h.mu.Lock()
	sender := h.sender
	h.mu.Unlock()
	if sender == nil {
		return surface.Stats{}, fmt.Errorf("rgt: no active exposure")
	}
	return sender.SnapshotStats(), nil
}

// Destroy cancels any active exposure, waits up to cfg.cancel_grace for
// it to wind down, removes it from the runtime's session registry, and
// closes the handle's socket (§6: session.destroy). Destroy is safe to
// call without a prior ExposeBytes/ExposeStream.
func (h *SessionHandle) Destroy() error {
	h.mu.Lock()
	sender := h.sender
	done := h.doneCh
	h.mu.Unlock()

	if sender != nil {
		sender.Cancel()
		select {
		case <-done:
		case <-time.After(h.rt.Config().CancelGrace):
		}
		h.rt.Registry().Delete(sender.ID())
	}
	return h.socket.Close()
}
