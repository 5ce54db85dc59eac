package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redgiant-project/rgt/internal/bitmap"
	"github.com/redgiant-project/rgt/internal/cipher"
	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/errs"
	"github.com/redgiant-project/rgt/internal/fec"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/observability"
	"github.com/redgiant-project/rgt/internal/ratecontrol"
	"github.com/redgiant-project/rgt/internal/ratelimit"
	"github.com/redgiant-project/rgt/internal/reliable"
	"github.com/redgiant-project/rgt/internal/surface"
	"github.com/redgiant-project/rgt/internal/transport"
	"github.com/redgiant-project/rgt/internal/wire"
)

// emitInterval paces the Emitter's scheduling tick; the rate controller's
// own exposure_rate (§4.4) governs how many chunks actually go out per
// tick via the token bucket, this just bounds how often it's consulted.
const emitInterval = 10 * time.Millisecond

// recoveryInterval is the default recovery-scan cadence (§4.5, §5: "100ms
// default").
const recoveryInterval = 100 * time.Millisecond

// Sender drives one exposure surface's sender-side state machine (§4.6,
// C6): Idle → Handshaking → Exposing → Completing → {Done, Cancelled,
// Failed}. One Sender owns exactly one exposure_id and one peer.
type Sender struct {
	id        wire.ExposureID
	cfg       *config.Config
	socket    *transport.Socket
	peer      *net.UDPAddr
	manifest  manifest.Manifest
	surface   *surface.ExposureSurface
	rateCtl   *ratecontrol.Controller
	bucket    *ratelimit.TokenBucket
	chunkKey  [32]byte
	cipherKeys *cipher.Keys

	// fecPolicy tracks loss rate against the surface's live FEC parity
	// count and is nil unless m.FECEnabled(). It never mutates FECK/FECR
	// itself — those are fixed in the manifest a receiver already has —
	// it only surfaces a recommendation via logging/metrics for an
	// operator to act on in the next exposure.
	fecPolicy *fec.AdaptiveFECPolicy

	logger   *observability.Logger
	metrics  *observability.Metrics
	progress ProgressSink
	errSink  ErrorSink

	createdAt time.Time

	mu        sync.Mutex
	state     SenderState
	updatedAt time.Time
	acked     *bitmap.Bitmap
	sentOnce  *bitmap.Bitmap
	nackQueue []uint32
	nackSeen  map[uint32]bool
	finalErr  error

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewSender allocates a Sender for one exposure. source supplies the
// object's bytes chunk-by-chunk (manifest.ByteSource for an in-memory
// object, manifest.StreamAccumulator for a streamed one). presharedSecret
// is the out-of-band key used to derive both the per-chunk hash key and,
// if cfg.CipherMode is stream_xor, the cipher keystream key (§3, §9: no
// key exchange, pre-shared only).
func NewSender(
	cfg *config.Config,
	id wire.ExposureID,
	socket *transport.Socket,
	peer *net.UDPAddr,
	m manifest.Manifest,
	source surface.ChunkSource,
	presharedSecret []byte,
	logger *observability.Logger,
	metrics *observability.Metrics,
	progress ProgressSink,
	errSink ErrorSink,
) (*Sender, error) {
	surf, err := surface.Create(m, source, reliable.DefaultConfig())
	if err != nil {
		return nil, err
	}

	var chunkKey [32]byte
	var cipherKeys *cipher.Keys
	if m.IntegrityMode == manifest.IntegrityPerChunkHash {
		chunkKey = reliable.ChunkKey(presharedSecret, [16]byte(id))
	}
	if m.CipherMode == manifest.CipherStreamXOR {
		keys, err := cipher.DeriveKeys(presharedSecret, [16]byte(id))
		if err != nil {
			return nil, err
		}
		cipherKeys = &keys
	}

	rateCtl := ratecontrol.New(ratecontrol.Config{
		RateMin:     cfg.RateMin,
		RateMax:     cfg.RateMax,
		InitialRate: cfg.InitialExposureRate,
	})

	var fecPolicy *fec.AdaptiveFECPolicy
	if m.FECEnabled() {
		policyCfg := fec.DefaultPolicyConfig()
		policyCfg.DefaultK = int(m.FECK)
		policyCfg.DefaultR = int(m.FECR)
		if policyCfg.MaxR < policyCfg.DefaultR {
			policyCfg.MaxR = policyCfg.DefaultR
		}
		fecPolicy = fec.NewAdaptiveFECPolicy(policyCfg)
	}

	return &Sender{
		id:         id,
		cfg:        cfg,
		socket:     socket,
		peer:       peer,
		manifest:   m,
		surface:    surf,
		rateCtl:    rateCtl,
		bucket:     ratelimit.NewTokenBucket(cfg.InitialExposureRate, max(int(m.ChunkCount/10), 8)),
		chunkKey:   chunkKey,
		cipherKeys: cipherKeys,
		fecPolicy:  fecPolicy,
		logger:     logger,
		metrics:    metrics,
		progress:   progress,
		errSink:    errSink,
		createdAt:  time.Now(),
		state:      SenderIdle,
		updatedAt:  time.Now(),
		acked:      bitmap.New(surf.Bitmap.Len()),
		sentOnce:   bitmap.New(surf.Bitmap.Len()),
		nackSeen:   make(map[uint32]bool),
		cancelCh:   make(chan struct{}),
	}, nil
}

// ID implements Entry.
func (s *Sender) ID() wire.ExposureID { return s.id }

// Manifest returns the manifest this Sender is exposing, fixed at
// construction time.
func (s *Sender) Manifest() manifest.Manifest { return s.manifest }

// State returns the current state under lock.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdatedAt implements Entry.
func (s *Sender) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Terminal implements Entry.
func (s *Sender) Terminal() bool {
	switch s.State() {
	case SenderDone, SenderCancelled, SenderFailed:
		return true
	default:
		return false
	}
}

// FinalErr returns the error that moved the sender to Failed, if any.
func (s *Sender) FinalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// Cancel requests cancellation; Run unblocks within cfg.CancelGrace (§5).
func (s *Sender) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// SnapshotStats joins the exposure surface's atomic counters with the
// rate controller's current tick output (§6 snapshot_stats()).
func (s *Sender) SnapshotStats() surface.Stats {
	rate, window, pressure := s.rateCtl.Snapshot()
	return s.surface.SnapshotStats(rate, window, pressure)
}

func (s *Sender) transition(to SenderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateSenderTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	s.updatedAt = time.Now()
	return nil
}

func (s *Sender) fail(err error) {
	s.mu.Lock()
	s.finalErr = err
	s.mu.Unlock()
	_ = s.transition(SenderFailed)
	if s.logger != nil {
		s.logger.SessionFailed(s.id.String(), s.peer.String(), err)
	}
	if s.errSink != nil {
		kind := errs.KindTransportError
		if e, ok := errs.As(err); ok {
			kind = e.Kind
		}
		s.errSink.OnError(kind, err.Error())
	}
	if s.metrics != nil {
		s.metrics.RecordExposureComplete(false, time.Since(s.createdAt).Seconds())
	}
}

// Run drives the full sender state machine to completion. It blocks
// until the exposure reaches Done, Cancelled, or Failed, or ctx is
// cancelled.
func (s *Sender) Run(ctx context.Context) error {
	if err := s.transition(SenderHandshaking); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordExposureStart()
	}

	msgCh := make(chan wire.Packet, 64)
	stopRecv := make(chan struct{})
	recvErrCh := make(chan error, 1)
	go s.recvLoop(msgCh, stopRecv, recvErrCh)
	defer close(stopRecv)

	if err := s.sendHandshake(); err != nil {
		s.fail(err)
		return err
	}
	if s.logger != nil {
		s.logger.ExposureStarted(s.id.String(), s.manifest.TotalSize, s.manifest.ChunkCount)
	}

	if err := s.awaitHandshake(ctx, msgCh); err != nil {
		s.fail(err)
		return err
	}
	if s.cancelled() {
		_ = s.transition(SenderCancelled)
		return errs.New(errs.KindCancelled, "sender cancelled during handshake")
	}

	if err := s.transition(SenderExposing); err != nil {
		s.fail(err)
		return err
	}
	if s.logger != nil {
		s.logger.SessionEstablished(s.id.String(), s.peer.String())
	}

	if err := s.exposeAll(); err != nil {
		s.fail(err)
		return err
	}

	if err := s.runExposing(ctx, msgCh, recvErrCh); err != nil {
		return err
	}

	s.completeHandshake(ctx, msgCh)

	if s.State() == SenderDone {
		if s.logger != nil {
			stats := s.SnapshotStats()
			s.logger.ExposureCompleted(s.id.String(), s.manifest.TotalSize, s.manifest.ChunkCount, time.Since(s.createdAt), stats.FailedChunks == 0)
		}
		if s.metrics != nil {
			s.metrics.RecordExposureComplete(true, time.Since(s.createdAt).Seconds())
		}
	}
	return nil
}

func (s *Sender) cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// exposeAll is the Producer activity (§5): converts every chunk the
// source can hand out into an exposed, indexed entry up front. Streamed
// sources that aren't fully materialized yet simply expose what they
// have; a live streaming Producer would call Expose incrementally
// instead of in one pass, which this loop still supports since Expose is
// idempotent per chunk.
func (s *Sender) exposeAll() error {
	for i := uint32(0); i < s.manifest.ChunkCount; i++ {
		data, err := s.surface.Source().Chunk(i)
		if err != nil {
			return fmt.Errorf("sender: producer could not read chunk %d: %w", i, err)
		}
		if err := s.surface.Expose(i, data, s.chunkKey); err != nil {
			return err
		}
	}
	if s.manifest.FECEnabled() {
		if err := s.surface.ExposeFECParity(s.chunkKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendHandshake() error {
	reqData, err := wire.Encode(wire.Header{Type: wire.TypeExposeRequest, ExposureID: s.id}, nil)
	if err != nil {
		return err
	}
	if err := s.socket.SendTo(s.peer, reqData); err != nil {
		return err
	}

	payload, err := s.manifest.MarshalBinary()
	if err != nil {
		return err
	}
	manData, err := wire.Encode(wire.Header{Type: wire.TypeExposeManifest, ExposureID: s.id}, payload)
	if err != nil {
		return err
	}
	return s.socket.SendTo(s.peer, manData)
}

// awaitHandshake waits for the first PULL_REQUEST, or for
// cfg.HandshakeTimeout to elapse — §4.6's "opportunistic local timeout"
// lets the sender proceed to Exposing even with no receiver observed yet,
// since CHUNK_DATA sent to an absent receiver is simply unacked and
// retried like any other pull-less period.
func (s *Sender) awaitHandshake(ctx context.Context, msgCh chan wire.Packet) error {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cancelCh:
			return nil
		case pkt := <-msgCh:
			if pkt.Header.Type == wire.TypeCancel {
				s.Cancel()
				return nil
			}
			if pkt.Header.Type == wire.TypePullRequest {
				s.handlePacket(pkt)
				return nil
			}
		case <-timer.C:
			return nil
		}
	}
}

func (s *Sender) runExposing(ctx context.Context, msgCh chan wire.Packet, recvErrCh chan error) error {
	deadline := time.Now().Add(s.cfg.SessionDeadline)
	emitTicker := time.NewTicker(emitInterval)
	defer emitTicker.Stop()
	recoveryTicker := time.NewTicker(recoveryInterval)
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return ctx.Err()
		case <-s.cancelCh:
			_ = s.transition(SenderCancelled)
			return errs.New(errs.KindCancelled, "sender cancelled")
		case err := <-recvErrCh:
			s.fail(err)
			return err
		case pkt := <-msgCh:
			if pkt.Header.Type == wire.TypeCancel {
				_ = s.transition(SenderCancelled)
				return errs.New(errs.KindCancelled, "peer cancelled")
			}
			s.handlePacket(pkt)
		case now := <-emitTicker.C:
			s.emitTick(now)
		case now := <-recoveryTicker.C:
			if err := s.runRecovery(now); err != nil {
				s.fail(err)
				return err
			}
		}

		if s.checkCompletion(deadline) {
			return s.transition(SenderCompleting)
		}
	}
}

func (s *Sender) handlePacket(pkt wire.Packet) {
	switch pkt.Header.Type {
	case wire.TypePullRequest:
		s.rateCtl.NotePull()
		if indices, err := wire.DecodeIndexList(pkt.Payload); err == nil {
			s.queueSends(indices)
		}
	case wire.TypeChunkAck:
		enc, indices, bm, err := wire.DecodeAck(pkt.Payload)
		if err != nil {
			return
		}
		switch enc {
		case wire.AckEncodingIndexList:
			for _, idx := range indices {
				s.markAcked(idx)
			}
		case wire.AckEncodingBitmap:
			s.markAckedFromSnapshot(bm)
		}
	case wire.TypeChunkNack:
		s.rateCtl.NotePull()
		if indices, err := wire.DecodeIndexList(pkt.Payload); err == nil {
			for _, idx := range indices {
				s.surface.MarkNacked(idx)
			}
			s.queueSends(indices)
			if s.metrics != nil {
				s.metrics.RecordChunkRetry("nack")
			}
		}
	case wire.TypeCancel:
		s.Cancel()
	}
}

func (s *Sender) queueSends(indices []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range indices {
		if idx >= s.manifest.ChunkCount || s.acked.Test(idx) || s.nackSeen[idx] {
			continue
		}
		s.nackSeen[idx] = true
		s.nackQueue = append(s.nackQueue, idx)
	}
}

func (s *Sender) markAcked(idx uint32) {
	if idx >= s.manifest.ChunkCount {
		return
	}
	transitioned, err := s.acked.Set(idx)
	if err != nil || !transitioned {
		return
	}
	s.surface.MarkAcked(idx)
	if s.metrics != nil {
		n, _ := s.manifest.ChunkLength(idx)
		s.metrics.RecordChunkAcked(n)
	}
}

func (s *Sender) markAckedFromSnapshot(snapshot []byte) {
	for byteIdx, b := range snapshot {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			idx := uint32(byteIdx*8 + bit)
			if idx < s.manifest.ChunkCount {
				s.markAcked(idx)
			}
		}
	}
}

// nextIndexToSend implements §4.6's tie-break: explicitly NACKed/pulled
// indices in receive order first, then the lowest unacked index among
// chunks whose retry backoff has elapsed.
func (s *Sender) nextIndexToSend(now time.Time) (uint32, bool) {
	s.mu.Lock()
	for len(s.nackQueue) > 0 {
		idx := s.nackQueue[0]
		s.nackQueue = s.nackQueue[1:]
		delete(s.nackSeen, idx)
		if s.acked.Test(idx) {
			continue
		}
		s.mu.Unlock()
		return idx, true
	}
	s.mu.Unlock()

	for _, idx := range s.acked.Missing() {
		if !s.surface.Bitmap.Test(idx) {
			continue
		}
		if s.surface.Reliable.ShouldRetryNow(idx, now) {
			return idx, true
		}
	}
	return 0, false
}

func (s *Sender) emitTick(now time.Time) {
	rate, window := s.rateCtl.Tick(now)
	s.bucket.SetRate(rate)
	if s.metrics != nil {
		_, _, pressure := s.rateCtl.Snapshot()
		s.metrics.SetRateControllerState(rate, window, pressure)
	}

	idx, ok := s.nextIndexToSend(now)
	if !ok || !s.bucket.Allow(1) {
		return
	}

	data, err := s.surface.ChunkBytes(idx)
	if err != nil {
		return
	}

	payload := data
	flags := wire.Flags(0)
	if s.manifest.IntegrityMode == manifest.IntegrityPerChunkHash {
		flags |= wire.FlagHasHash
	}
	if s.cipherKeys != nil {
		enc, err := cipher.XORChunk(*s.cipherKeys, idx, data)
		if err != nil {
			return
		}
		payload = enc
		flags |= wire.FlagEncrypted
	}
	if flags.HasHash() {
		// Hashed over the plaintext chunk under chunkKey, matching what
		// Expose recorded at expose time (§4.5); a receiver strips this
		// trailer before decrypting and verifies it the same way.
		h := reliable.HashChunk(s.chunkKey, data)
		withHash := make([]byte, len(payload)+reliable.HashSize)
		copy(withHash, payload)
		copy(withHash[len(payload):], h[:])
		payload = withHash
	}

	encoded, err := wire.Encode(wire.Header{Type: wire.TypeChunkData, Flags: flags, ExposureID: s.id, Sequence: idx}, payload)
	if err != nil {
		return
	}

	firstSend, _ := s.sentOnce.Set(idx)
	isRetransmit := !firstSend
	justFailed := s.surface.Reliable.MarkAttempt(idx, now)
	if err := s.socket.SendTo(s.peer, encoded); err != nil {
		s.fail(err)
		return
	}
	s.surface.RecordSent(len(data), isRetransmit)
	if s.metrics != nil {
		s.metrics.RecordChunkSent(len(data))
		if justFailed {
			s.metrics.RecordChunkRetry("max_retries_exceeded")
		}
	}
	if s.logger != nil {
		s.logger.ChunkExposed(s.id.String(), idx, len(data))
	}
}

func (s *Sender) runRecovery(now time.Time) error {
	if s.manifest.IntegrityMode != manifest.IntegrityPerChunkHash {
		return nil
	}
	for _, res := range s.surface.Reliable.RunRecoveryScan(s.surface.Source(), s.chunkKey) {
		if res.Corrupted {
			if s.logger != nil {
				s.logger.ChunkIntegrityFailed(s.id.String(), res.Index, -1)
			}
			return errs.Wrap(errs.KindIntegrityFailure, fmt.Sprintf("chunk %d corrupted in sender-side storage", res.Index), res.SourceErr)
		}
		if res.SourceErr != nil && s.manifest.FECEnabled() && res.Index >= s.manifest.ChunkCount {
			// A synthetic parity index has no entry in the real chunk
			// source, so a corruption re-check against it has nothing to
			// re-read from; parity bytes are deterministically derived
			// from already-verified real chunks at expose time, so there
			// is no independent corruption path to guard against here.
			s.surface.Reliable.ResetAfterRecovery(res.Index)
		}
	}
	s.observeFECLoss()
	return nil
}

// observeFECLoss feeds this tick's observed loss rate into fecPolicy and
// logs a recommendation when its view of the right parity count drifts
// from what this exposure actually carries. The manifest's FECK/FECR
// went out to the receiver at handshake time and stay fixed for the
// exposure's whole life (§4.2: a manifest is immutable once sent), so a
// drifted recommendation can only inform the *next* exposure's Config,
// never this one's.
func (s *Sender) observeFECLoss() {
	if s.fecPolicy == nil {
		return
	}
	stats := s.SnapshotStats()
	if stats.ChunksSent == 0 {
		return
	}
	lossRate := float64(stats.Retrans) / float64(stats.ChunksSent) * 100.0
	s.fecPolicy.Update(lossRate)

	state := s.fecPolicy.GetState()
	if state.Enabled && state.R != int(s.manifest.FECR) && s.logger != nil {
		s.logger.FECParityRecommendation(s.id.String(), int(s.manifest.FECR), state.R, state.LossRate)
	}
	if s.metrics != nil {
		s.metrics.SetFECPolicyRecommendation(state.LossRate, state.R)
	}
}

// checkCompletion implements §4.6's Exposing→Completing guard: every
// chunk acked, or the session deadline has elapsed with no NACKs
// outstanding (so there's nothing further a receiver is asking for).
func (s *Sender) checkCompletion(deadline time.Time) bool {
	if s.surface.IsComplete() && s.realChunksAcked() {
		return true
	}
	s.mu.Lock()
	noOutstanding := len(s.nackQueue) == 0
	s.mu.Unlock()
	return time.Now().After(deadline) && noOutstanding
}

// realChunksAcked reports whether every real (non-parity) chunk index
// has been acked. A receiver's CHUNK_ACK bitmap only ever covers real
// indices (§11.4: FEC parity is reconstructed client-side, never acked
// directly), so completion never waits on synthetic parity indices
// reaching s.acked.
func (s *Sender) realChunksAcked() bool {
	for _, idx := range s.acked.Missing() {
		if idx < s.manifest.ChunkCount {
			return false
		}
	}
	return true
}

// completeHandshake drives Completing→Done: announce EXPOSURE_COMPLETE
// until any further packet arrives from the receiver (taken as the ack)
// or cfg.CancelGrace elapses.
func (s *Sender) completeHandshake(ctx context.Context, msgCh chan wire.Packet) {
	encoded, err := wire.Encode(wire.Header{Type: wire.TypeExposureComplete, ExposureID: s.id}, nil)
	if err != nil {
		s.fail(err)
		return
	}

	graceDeadline := time.Now().Add(s.cfg.CancelGrace)
	resend := time.NewTicker(100 * time.Millisecond)
	defer resend.Stop()

	_ = s.socket.SendTo(s.peer, encoded)
	for {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		case <-s.cancelCh:
			_ = s.transition(SenderCancelled)
			return
		case pkt := <-msgCh:
			if pkt.Header.Type == wire.TypeCancel {
				_ = s.transition(SenderCancelled)
				return
			}
			_ = s.transition(SenderDone)
			return
		case <-resend.C:
			if time.Now().After(graceDeadline) {
				_ = s.transition(SenderDone)
				return
			}
			_ = s.socket.SendTo(s.peer, encoded)
		}
	}
}

func (s *Sender) recvLoop(msgCh chan<- wire.Packet, stop <-chan struct{}, errCh chan<- error) {
	buf := make([]byte, wire.HeaderSize+wire.MaxPayloadSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, _, err := s.socket.Recv(buf, 200*time.Millisecond)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			select {
			case errCh <- fmt.Errorf("sender: recv failed: %w", err):
			default:
			}
			return
		}
		pkt, err := wire.Decode(data)
		if err != nil {
			continue // MalformedPacket: drop and keep running (§7)
		}
		if pkt.Header.ExposureID != s.id {
			continue
		}
		select {
		case msgCh <- pkt:
		case <-stop:
			return
		}
	}
}
