package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redgiant-project/rgt/internal/cipher"
	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/errs"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/observability"
	"github.com/redgiant-project/rgt/internal/reliable"
	"github.com/redgiant-project/rgt/internal/surface"
	"github.com/redgiant-project/rgt/internal/transport"
	"github.com/redgiant-project/rgt/internal/wire"
)

// ackInterval paces the Receiver's CHUNK_ACK/CHUNK_NACK emission (§4.7
// ack_interval_ms).
const ackInterval = 50 * time.Millisecond

// Receiver drives one pull's receiver-side state machine (§4.7, C7): Idle
// → WaitingManifest → Receiving → Draining → {Done, Cancelled, Failed}.
type Receiver struct {
	id              wire.ExposureID
	cfg             *config.Config
	socket          *transport.Socket
	peer            *net.UDPAddr
	presharedSecret []byte

	chunkKey   [32]byte
	cipherKeys *cipher.Keys
	manifest   manifest.Manifest
	rsurface   *surface.ReceiveSurface

	logger   *observability.Logger
	metrics  *observability.Metrics
	progress ProgressSink
	errSink  ErrorSink

	createdAt time.Time

	mu                  sync.Mutex
	state               ReceiverState
	updatedAt           time.Time
	finalErr            error
	sawExposureComplete bool

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewReceiver allocates a Receiver that will pull exposure id from peer.
func NewReceiver(
	cfg *config.Config,
	id wire.ExposureID,
	socket *transport.Socket,
	peer *net.UDPAddr,
	presharedSecret []byte,
	logger *observability.Logger,
	metrics *observability.Metrics,
	progress ProgressSink,
	errSink ErrorSink,
) *Receiver {
	return &Receiver{
		id:              id,
		cfg:             cfg,
		socket:          socket,
		peer:            peer,
		presharedSecret: presharedSecret,
		logger:          logger,
		metrics:         metrics,
		progress:        progress,
		errSink:         errSink,
		createdAt:       time.Now(),
		state:           ReceiverIdle,
		updatedAt:       time.Now(),
		cancelCh:        make(chan struct{}),
	}
}

// ID implements Entry.
func (r *Receiver) ID() wire.ExposureID { return r.id }

// State returns the current state under lock.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// UpdatedAt implements Entry.
func (r *Receiver) UpdatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

// Terminal implements Entry.
func (r *Receiver) Terminal() bool {
	switch r.State() {
	case ReceiverDone, ReceiverCancelled, ReceiverFailed:
		return true
	default:
		return false
	}
}

// FinalErr returns the error that moved the receiver to Failed, if any.
func (r *Receiver) FinalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalErr
}

// Cancel requests cancellation; Run unblocks within cfg.CancelGrace (§5).
func (r *Receiver) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Progress reports popcount(bitmap)/chunk_count, or 0 before a manifest
// has been accepted (§4.7 progress()).
func (r *Receiver) Progress() float64 {
	r.mu.Lock()
	rs := r.rsurface
	r.mu.Unlock()
	if rs == nil {
		return 0
	}
	return rs.Progress()
}

// SnapshotStats returns the receive surface's atomic counters, or a zero
// value before a manifest has been accepted.
func (r *Receiver) SnapshotStats(rttEstimateNs int64) surface.ReceiveStats {
	r.mu.Lock()
	rs := r.rsurface
	r.mu.Unlock()
	if rs == nil {
		return surface.ReceiveStats{}
	}
	return rs.SnapshotStats(rttEstimateNs)
}

// Manifest returns the manifest learned during the handshake. It is the
// zero Manifest until WaitingManifest completes.
func (r *Receiver) Manifest() manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// Chunk returns the bytes received for index, once available.
func (r *Receiver) Chunk(index uint32) ([]byte, bool) {
	r.mu.Lock()
	rs := r.rsurface
	r.mu.Unlock()
	if rs == nil {
		return nil, false
	}
	return rs.Chunk(index)
}

func (r *Receiver) transition(to ReceiverState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validateReceiverTransition(r.state, to); err != nil {
		return err
	}
	r.state = to
	r.updatedAt = time.Now()
	return nil
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	r.finalErr = err
	r.mu.Unlock()
	_ = r.transition(ReceiverFailed)
	if r.logger != nil {
		r.logger.SessionFailed(r.id.String(), r.peer.String(), err)
	}
	if r.errSink != nil {
		kind := errs.KindTransportError
		if e, ok := errs.As(err); ok {
			kind = e.Kind
		}
		r.errSink.OnError(kind, err.Error())
	}
}

func (r *Receiver) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Run drives the full receiver state machine to completion: pull() plus
// the receive loop, blocking until Done, Cancelled, or Failed.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.transition(ReceiverWaitingManifest); err != nil {
		return err
	}

	msgCh := make(chan wire.Packet, 64)
	stopRecv := make(chan struct{})
	recvErrCh := make(chan error, 1)
	go r.recvLoop(msgCh, stopRecv, recvErrCh)
	defer close(stopRecv)

	if err := r.awaitManifest(ctx, msgCh, recvErrCh); err != nil {
		r.fail(err)
		return err
	}
	if r.cancelled() {
		_ = r.transition(ReceiverCancelled)
		return errs.New(errs.KindCancelled, "receiver cancelled during handshake")
	}

	if err := r.transition(ReceiverReceiving); err != nil {
		r.fail(err)
		return err
	}
	if r.logger != nil {
		r.logger.SessionEstablished(r.id.String(), r.peer.String())
	}

	if err := r.sendPullRequest(); err != nil {
		r.fail(err)
		return err
	}

	return r.runReceiving(ctx, msgCh, recvErrCh)
}

func (r *Receiver) sendExposeRequest() error {
	data, err := wire.Encode(wire.Header{Type: wire.TypeExposeRequest, ExposureID: r.id}, nil)
	if err != nil {
		return err
	}
	return r.socket.SendTo(r.peer, data)
}

// awaitManifest repeats EXPOSE_REQUEST until EXPOSE_MANIFEST arrives or
// cfg.HandshakeTimeout elapses, which is a fatal timeout here (unlike the
// sender's opportunistic proceed — a receiver with no manifest has
// nothing to receive).
func (r *Receiver) awaitManifest(ctx context.Context, msgCh chan wire.Packet, recvErrCh chan error) error {
	if err := r.sendExposeRequest(); err != nil {
		return err
	}

	deadline := time.NewTimer(r.cfg.HandshakeTimeout)
	defer deadline.Stop()
	resend := time.NewTicker(200 * time.Millisecond)
	defer resend.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.cancelCh:
			return nil
		case err := <-recvErrCh:
			return err
		case pkt := <-msgCh:
			if pkt.Header.Type == wire.TypeCancel {
				r.Cancel()
				return nil
			}
			if pkt.Header.Type != wire.TypeExposeManifest {
				continue
			}
			var m manifest.Manifest
			if err := m.UnmarshalBinary(pkt.Payload); err != nil {
				continue // MalformedPacket: drop, keep waiting (§7)
			}
			r.manifest = m
			if m.IntegrityMode == manifest.IntegrityPerChunkHash {
				r.chunkKey = reliable.ChunkKey(r.presharedSecret, [16]byte(r.id))
			}
			if m.CipherMode == manifest.CipherStreamXOR {
				keys, err := cipher.DeriveKeys(r.presharedSecret, [16]byte(r.id))
				if err != nil {
					return err
				}
				r.cipherKeys = &keys
			}
			r.rsurface = surface.NewReceiveSurface(m, reliable.Config{BaseBackoff: r.cfg.NackThreshold, MaxRetries: reliable.DefaultConfig().MaxRetries})
			if r.logger != nil {
				r.logger.ExposureStarted(r.id.String(), m.TotalSize, m.ChunkCount)
			}
			return nil
		case <-deadline.C:
			return errs.New(errs.KindTimeout, "no EXPOSE_MANIFEST received within handshake_timeout")
		case <-resend.C:
			_ = r.sendExposeRequest()
		}
	}
}

func (r *Receiver) sendPullRequest() error {
	missing := r.rsurface.Missing()
	payload := wire.EncodeIndexList(missing)
	data, err := wire.Encode(wire.Header{Type: wire.TypePullRequest, ExposureID: r.id}, payload)
	if err != nil {
		return err
	}
	return r.socket.SendTo(r.peer, data)
}

func (r *Receiver) runReceiving(ctx context.Context, msgCh chan wire.Packet, recvErrCh chan error) error {
	ackTicker := time.NewTicker(ackInterval)
	defer ackTicker.Stop()
	receivingSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			r.fail(ctx.Err())
			return ctx.Err()
		case <-r.cancelCh:
			_ = r.transition(ReceiverCancelled)
			return errs.New(errs.KindCancelled, "receiver cancelled")
		case err := <-recvErrCh:
			r.fail(err)
			return err
		case pkt := <-msgCh:
			if err := r.handlePacket(pkt); err != nil {
				r.fail(err)
				return err
			}
		case now := <-ackTicker.C:
			r.emitAcksAndNacks(now, receivingSince)
		}

		if done, err := r.checkDrain(); err != nil {
			r.fail(err)
			return err
		} else if done {
			return nil
		}
	}
}

func (r *Receiver) handlePacket(pkt wire.Packet) error {
	switch pkt.Header.Type {
	case wire.TypeChunkData:
		return r.acceptChunkPacket(pkt)
	case wire.TypeExposureComplete:
		r.mu.Lock()
		r.sawExposureComplete = true
		r.mu.Unlock()
	case wire.TypeCancel:
		r.Cancel()
	}
	return nil
}

func (r *Receiver) acceptChunkPacket(pkt wire.Packet) error {
	index := wire.ChunkIndexFromSequence(pkt.Header)
	payload := pkt.Payload
	var hash [reliable.HashSize]byte
	hasHash := pkt.Header.Flags.HasHash()
	if hasHash {
		if len(payload) < reliable.HashSize {
			return nil // malformed: too short to carry the trailer it claims
		}
		split := len(payload) - reliable.HashSize
		copy(hash[:], payload[split:])
		payload = payload[:split]
	}
	if pkt.Header.Flags.Encrypted() {
		if r.cipherKeys == nil {
			return nil // dropped: encrypted chunk with no negotiated cipher
		}
		plain, err := cipher.XORChunk(*r.cipherKeys, index, payload)
		if err != nil {
			return nil
		}
		payload = plain
	}
	if hasHash {
		r.rsurface.RecordExpectedChunk(index, hash)
	}

	plan := r.rsurface.FECPlan()
	if plan != nil && plan.IsParityIndex(index) {
		if r.rsurface.AcceptParityChunk(index, payload) {
			r.noteRecovered(r.rsurface.TryReconstruct(plan.GroupOfParity(index), r.chunkKey))
		}
		return nil
	}

	accepted, err := r.rsurface.AcceptChunk(index, payload, r.chunkKey)
	if err != nil {
		return err // out-of-range index: MalformedPacket-class, fatal to this session
	}
	r.rsurface.NotePacketOutcome(false)
	if !accepted {
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecordChunkAcked(len(payload))
	}
	if r.progress != nil {
		stats := r.rsurface.SnapshotStats(0)
		r.progress.OnProgress(stats.BytesReceived, r.manifest.TotalSize)
	}
	if r.logger != nil {
		r.logger.ChunkExposed(r.id.String(), index, len(payload))
	}
	if plan != nil {
		r.noteRecovered(r.rsurface.TryReconstruct(plan.GroupOf(index), r.chunkKey))
	}
	return nil
}

// noteRecovered reports stats/progress/logging for chunks TryReconstruct
// filled in from FEC parity without a NACK round-trip.
func (r *Receiver) noteRecovered(recovered []uint32) {
	for _, idx := range recovered {
		if r.metrics != nil {
			if data, ok := r.rsurface.Chunk(idx); ok {
				r.metrics.RecordChunkAcked(len(data))
			}
		}
		if r.logger != nil {
			r.logger.ChunkExposed(r.id.String(), idx, 0)
		}
	}
	if len(recovered) > 0 && r.progress != nil {
		stats := r.rsurface.SnapshotStats(0)
		r.progress.OnProgress(stats.BytesReceived, r.manifest.TotalSize)
	}
}

// emitAcksAndNacks sends a bitmap-encoded CHUNK_ACK of everything received
// so far, plus a CHUNK_NACK for any missing chunk older than
// cfg.NackThreshold — re-NACKs back off exponentially from there via the
// same reliable.Tracker schedule the sender uses for retries (§4.7:
// periodic ack/nack emission; §5/§6 nack_threshold_ms).
func (r *Receiver) emitAcksAndNacks(now, receivingSince time.Time) {
	ackPayload := wire.EncodeBitmapAck(r.rsurface.Bitmap.Snapshot())
	ackData, err := wire.Encode(wire.Header{Type: wire.TypeChunkAck, ExposureID: r.id}, ackPayload)
	if err == nil {
		_ = r.socket.SendTo(r.peer, ackData)
	}

	// Every missing chunk has been missing since Receiving began, so none
	// is NACKed before that is cfg.NackThreshold ago.
	if now.Sub(receivingSince) < r.cfg.NackThreshold {
		return
	}

	var overdue []uint32
	for _, idx := range r.rsurface.Missing() {
		if r.rsurface.Reliable.ShouldRetryNow(idx, now) {
			overdue = append(overdue, idx)
			r.rsurface.Reliable.MarkAttempt(idx, now)
		}
	}
	if len(overdue) == 0 {
		return
	}
	for range overdue {
		r.rsurface.NotePacketOutcome(true)
	}
	nackData, err := wire.Encode(wire.Header{Type: wire.TypeChunkNack, ExposureID: r.id}, wire.EncodeIndexList(overdue))
	if err == nil {
		_ = r.socket.SendTo(r.peer, nackData)
	}
	if r.metrics != nil {
		r.metrics.RecordChunkRetry("nack_sent")
	}
}

// checkDrain implements §4.7's Receiving→Draining→Done guard: the sender
// must have announced EXPOSURE_COMPLETE and every chunk must actually be
// present.
func (r *Receiver) checkDrain() (bool, error) {
	r.mu.Lock()
	saw := r.sawExposureComplete
	r.mu.Unlock()
	if !saw || !r.rsurface.IsComplete() {
		return false, nil
	}

	ackPayload := wire.EncodeBitmapAck(r.rsurface.Bitmap.Snapshot())
	ackData, err := wire.Encode(wire.Header{Type: wire.TypeChunkAck, ExposureID: r.id}, ackPayload)
	if err != nil {
		return false, err
	}
	if err := r.socket.SendTo(r.peer, ackData); err != nil {
		return false, err
	}

	if err := r.transition(ReceiverDraining); err != nil {
		return false, err
	}
	if err := r.transition(ReceiverDone); err != nil {
		return false, err
	}
	if r.logger != nil {
		r.logger.ExposureCompleted(r.id.String(), r.manifest.TotalSize, r.manifest.ChunkCount, time.Since(r.createdAt), true)
	}
	return true, nil
}

func (r *Receiver) recvLoop(msgCh chan<- wire.Packet, stop <-chan struct{}, errCh chan<- error) {
	buf := make([]byte, wire.HeaderSize+wire.MaxPayloadSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, _, err := r.socket.Recv(buf, 200*time.Millisecond)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			select {
			case errCh <- fmt.Errorf("receiver: recv failed: %w", err):
			default:
			}
			return
		}
		pkt, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if pkt.Header.ExposureID != r.id {
			continue
		}
		select {
		case msgCh <- pkt:
		case <-stop:
			return
		}
	}
}
