package session

import (
	"net"

	"github.com/redgiant-project/rgt/internal/config"
	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/observability"
	"github.com/redgiant-project/rgt/internal/surface"
	"github.com/redgiant-project/rgt/internal/transport"
	"github.com/redgiant-project/rgt/internal/wire"
)

// Runtime is the session layer (§4.8, C8): the process-wide state a root
// package's SessionHandle/ClientHandle builds on — configuration, the
// session registry, and the shared observability stack. It owns no
// socket itself; each exposure/pull binds (or is handed) its own socket,
// since one UDP socket per exposure_id keeps the sender/receiver engines
// free of any packet-demultiplexing layer.
type Runtime struct {
	cfg      *config.Config
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRuntime creates a Runtime from an already-validated configuration.
func NewRuntime(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) *Runtime {
	return &Runtime{
		cfg:      cfg,
		registry: NewRegistry(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Registry exposes the runtime's session registry, for callers that want
// to list or sweep terminal sessions.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Config returns the runtime's configuration.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// BindSocket opens a new UDP socket per cfg.BindAddress/cfg.Port (§4.9).
func (rt *Runtime) BindSocket() (*transport.Socket, error) {
	return transport.Bind(rt.cfg.BindAddress, rt.cfg.Port)
}

// NewExposeSender builds and registers a Sender for an in-memory object,
// deriving its manifest from rt.cfg's chunking/integrity/cipher knobs
// (§4.2 create() + §4.6). The caller drives it with Sender.Run.
func (rt *Runtime) NewExposeSender(
	socket *transport.Socket,
	peer *net.UDPAddr,
	data []byte,
	presharedSecret []byte,
	progress ProgressSink,
	errSink ErrorSink,
) (*Sender, error) {
	m := manifest.New(uint64(len(data)), rt.cfg.ChunkSize, rt.cfg.IntegrityMode, rt.cfg.CipherMode)
	if rt.cfg.FECEnabled() {
		m = m.WithFEC(rt.cfg.FECK, rt.cfg.FECR)
	}
	source, err := manifest.NewByteSource(data, m)
	if err != nil {
		return nil, err
	}

	id := NewExposureID()
	sender, err := NewSender(rt.cfg, id, socket, peer, m, source, presharedSecret, rt.logger, rt.metrics, progress, errSink)
	if err != nil {
		return nil, err
	}
	if err := rt.registry.Add(sender); err != nil {
		return nil, err
	}
	return sender, nil
}

// NewExposeSenderFromSource builds and registers a Sender over a
// caller-supplied chunk source (e.g. manifest.StreamAccumulator), for
// session.expose_stream (§6).
func (rt *Runtime) NewExposeSenderFromSource(
	socket *transport.Socket,
	peer *net.UDPAddr,
	m manifest.Manifest,
	source surface.ChunkSource,
	presharedSecret []byte,
	progress ProgressSink,
	errSink ErrorSink,
) (*Sender, error) {
	id := NewExposureID()
	sender, err := NewSender(rt.cfg, id, socket, peer, m, source, presharedSecret, rt.logger, rt.metrics, progress, errSink)
	if err != nil {
		return nil, err
	}
	if err := rt.registry.Add(sender); err != nil {
		return nil, err
	}
	return sender, nil
}

// NewPullReceiver builds and registers a Receiver that will pull a known
// exposure_id from peer (§4.7 pull()). The caller drives it with
// Receiver.Run.
func (rt *Runtime) NewPullReceiver(
	socket *transport.Socket,
	peer *net.UDPAddr,
	id wire.ExposureID,
	presharedSecret []byte,
	progress ProgressSink,
	errSink ErrorSink,
) (*Receiver, error) {
	recv := NewReceiver(rt.cfg, id, socket, peer, presharedSecret, rt.logger, rt.metrics, progress, errSink)
	if err := rt.registry.Add(recv); err != nil {
		return nil, err
	}
	return recv, nil
}
