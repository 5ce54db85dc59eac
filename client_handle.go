package rgt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/observability"
	"github.com/redgiant-project/rgt/internal/session"
	"github.com/redgiant-project/rgt/internal/surface"
	"github.com/redgiant-project/rgt/internal/transport"
	"github.com/redgiant-project/rgt/internal/wire"
)

// PullSink receives one accepted chunk at a time, in ascending index
// order, once a pull completes (§6: client.pull's "sink: index → bytes →
// ok"). A non-nil return aborts delivery to the caller with that error.
type PullSink func(index uint32, data []byte) error

// ClientHandle is the receiver-side handle of §6's external interface.
// CreateClient binds the socket; Pull drives one Receiver engine to
// completion and then feeds the reassembled chunks through sink.
type ClientHandle struct {
	rt     *session.Runtime
	socket *transport.Socket

	mu       sync.Mutex
	receiver *session.Receiver
}

// CreateClient validates cfg, binds a UDP socket per cfg.bind_address/
// cfg.port, and returns a handle with no active pull yet (§6:
// create_client). logger and metrics may be nil.
func CreateClient(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*ClientHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := session.NewRuntime(cfg, logger, metrics)
	socket, err := rt.BindSocket()
	if err != nil {
		return nil, err
	}
	return &ClientHandle{rt: rt, socket: socket}, nil
}

// Pull drives a Receiver against peer/id to completion (§6: client.pull).
// Unlike SessionHandle.ExposeBytes, Pull blocks for the whole transfer —
// §6 names no separate wait_complete for the client side — then, once the
// Receiver reaches Done, walks every chunk in index order through sink.
// progress/errSink may be nil; sink may be nil if the caller only wants
// SnapshotStats/side effects from progress/errSink.
func (h *ClientHandle) Pull(
	peer *net.UDPAddr,
	id wire.ExposureID,
	presharedSecret []byte,
	sink PullSink,
	progress session.ProgressSink,
	errSink session.ErrorSink,
) error {
	h.mu.Lock()
	if h.receiver != nil {
		h.mu.Unlock()
		return fmt.Errorf("rgt: client already has an active pull")
	}
	receiver, err := h.rt.NewPullReceiver(h.socket, peer, id, presharedSecret, progress, errSink)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.receiver = receiver
	h.mu.Unlock()

	if err := receiver.Run(context.Background()); err != nil {
		return err
	}
	if receiver.State() != session.ReceiverDone || sink == nil {
		return nil
	}

	m := receiver.Manifest()
	for i := uint32(0); i < m.ChunkCount; i++ {
		chunk, ok := receiver.Chunk(i)
		if !ok {
			return fmt.Errorf("rgt: pull completed but chunk %d is missing", i)
		}
		if err := sink(i, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Cancel requests cancellation of the active pull (§6: client.cancel).
func (h *ClientHandle) Cancel() error {
	h.mu.Lock()
	receiver := h.receiver
	h.mu.Unlock()
	if receiver == nil {
		return fmt.Errorf("rgt: no active pull")
	}
	receiver.Cancel()
	return nil
}

// SnapshotStats returns a lock-free read of the active pull's atomic
// counters (§6: client.snapshot_stats). rttEstimate is the caller's best
// current round-trip estimate in nanoseconds, since the receiver engine
// does not measure RTT itself (no ping/pong control message in §4.3).
func (h *ClientHandle) SnapshotStats(rttEstimate time.Duration) (surface.ReceiveStats, error) {
	h.mu.Lock()
	receiver := h.receiver
	h.mu.Unlock()
	if receiver == nil {
		return surface.ReceiveStats{}, fmt.Errorf("rgt: no active pull")
	}
	return receiver.SnapshotStats(rttEstimate.Nanoseconds()), nil
}

// Destroy cancels any active pull, removes it from the runtime's session
// registry, and closes the handle's socket (§6: client.destroy).
func (h *ClientHandle) Destroy() error {
	h.mu.Lock()
	receiver := h.receiver
	h.mu.Unlock()

	if receiver != nil {
		receiver.Cancel()
		h.rt.Registry().Delete(receiver.ID())
	}
	return h.socket.Close()
}
