// Package config carries the tunables the rate controller, reliable
// layer, cipher, and session engines read at startup, following the
// teacher's flat-struct-with-defaults style rather than a config
// framework.
package config

import (
	"time"

	"github.com/redgiant-project/rgt/internal/manifest"
	"github.com/redgiant-project/rgt/internal/validation"
)

// Config holds every tunable named in the Configuration list, plus the
// worker-pool sizing knobs the teacher exposes for its transfer
// scheduler, repurposed here for the Sender engine's Emitter/Producer
// pool.
type Config struct {
	// ChunkSize is the size in bytes of each exposed chunk.
	ChunkSize uint32

	// InitialExposureRate, RateMin, and RateMax bound the rate
	// controller's exposure_rate (chunks/sec); see internal/ratecontrol.
	InitialExposureRate float64
	RateMin             float64
	RateMax             float64

	// IntegrityMode and CipherMode select the manifest's per-exposure
	// verification and wire-obfuscation modes.
	IntegrityMode manifest.IntegrityMode
	CipherMode    manifest.CipherMode

	// HandshakeTimeout bounds the handshake wait on both sides: a
	// receiver fails if no EXPOSE_MANIFEST arrives within it, while a
	// sender that sees no PULL_REQUEST within it proceeds to Exposing.
	HandshakeTimeout time.Duration

	// NackThreshold is the minimum age a missing chunk must reach before
	// a receiver's first CHUNK_NACK for it (§5/§6 nack_threshold_ms).
	// It doubles as the reliable.Tracker's BaseBackoff on the receive
	// side, so later re-NACKs back off exponentially from it the same
	// way the sender's own retry schedule does.
	NackThreshold time.Duration

	// SessionDeadline bounds the total lifetime of an exposure
	// session; CancelGrace bounds how long a sender keeps re-announcing
	// EXPOSURE_COMPLETE while waiting for the receiver's reply, and how
	// long a handle's Destroy waits for a cancelled engine to return.
	SessionDeadline time.Duration
	CancelGrace     time.Duration

	// Port is the UDP port to bind; 0 selects an ephemeral port.
	Port int
	// BindAddress is the interface to bind; empty binds all interfaces.
	BindAddress string

	// WorkerCount and QueueDepth are range-checked by Validate; the
	// single-goroutine Sender engine does not read them.
	WorkerCount int
	QueueDepth  int

	// FECK and FECR select the supplemental Reed-Solomon FEC group size
	// and parity count (§11.4, the fec_mode knob). Both zero disables
	// FEC for every exposure created from this Config.
	FECK int
	FECR int
}

// DefaultConfig returns the configuration used when no override is
// supplied: per_chunk_hash integrity, no cipher, and rate bounds wide
// enough to let the controller find its own steady state.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:           16 * 1024,
		InitialExposureRate: 100,
		RateMin:             10,
		RateMax:             5000,
		IntegrityMode:       manifest.IntegrityPerChunkHash,
		CipherMode:          manifest.CipherNone,
		HandshakeTimeout:    5 * time.Second,
		NackThreshold:       250 * time.Millisecond,
		SessionDeadline:     5 * time.Minute,
		CancelGrace:         2 * time.Second,
		Port:                0,
		BindAddress:         "",
		WorkerCount:         4,
		QueueDepth:          256,
	}
}

// Validate checks the configuration against internal/validation's rules,
// returning the first violation found.
func (c *Config) Validate() error {
	if err := validation.ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if err := validation.ValidateRateBounds(c.RateMin, c.InitialExposureRate, c.RateMax); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("handshake_timeout", c.HandshakeTimeout); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("session_deadline", c.SessionDeadline); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("cancel_grace", c.CancelGrace); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("nack_threshold", c.NackThreshold); err != nil {
		return err
	}
	if err := validation.ValidatePort(c.Port); err != nil {
		return err
	}
	if err := validation.ValidateBindAddress(c.BindAddress); err != nil {
		return err
	}
	if err := validation.ValidateRangeInt(c.WorkerCount, 1, 1024); err != nil {
		return err
	}
	if err := validation.ValidateRangeInt(c.QueueDepth, 1, 1<<20); err != nil {
		return err
	}
	if c.FECK != 0 || c.FECR != 0 {
		if err := validation.ValidateRangeInt(c.FECK, 1, 256); err != nil {
			return err
		}
		if err := validation.ValidateRangeInt(c.FECR, 1, 256); err != nil {
			return err
		}
	}
	return nil
}

// FECEnabled reports whether this Config carries a nonzero FEC group
// plan, mirroring manifest.Manifest.FECEnabled.
func (c *Config) FECEnabled() bool {
	return c.FECK > 0 && c.FECR > 0
}
