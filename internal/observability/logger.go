package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging, enriched per-surface with
// exposure_id/role fields rather than reconstructed at every call site.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithExposure adds exposure_id context to logger.
func (l *Logger) WithExposure(exposureID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("exposure_id", exposureID).Logger(),
	}
}

// WithRole adds role ("sender"/"receiver") context to logger.
func (l *Logger) WithRole(role string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("role", role).Logger(),
	}
}

// WithPeer adds peer address context to logger.
func (l *Logger) WithPeer(peerAddr string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_addr", peerAddr).Logger(),
	}
}

// Debug logs a per-chunk event (expose, ack, retry).
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs a state transition or lifecycle event.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a recoverable fault (NACK storm, integrity retry).
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs a fatal session fault.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ExposureStarted logs the creation of a new exposure surface.
func (l *Logger) ExposureStarted(exposureID string, totalSize uint64, chunkCount uint32) {
	l.logger.Info().
		Str("exposure_id", exposureID).
		Uint64("total_size", totalSize).
		Uint32("chunk_count", chunkCount).
		Msg("exposure surface created")
}

// ChunkExposed logs a CHUNK_AVAILABLE announcement.
func (l *Logger) ChunkExposed(exposureID string, chunkIndex uint32, chunkSize int) {
	l.logger.Debug().
		Str("exposure_id", exposureID).
		Uint32("chunk_index", chunkIndex).
		Int("chunk_size", chunkSize).
		Msg("chunk exposed")
}

// ExposureProgress logs pull/ack progress for an exposure.
func (l *Logger) ExposureProgress(exposureID string, acked, total uint32, exposureRate float64, elapsed time.Duration) {
	progress := float64(acked) / float64(total) * 100.0

	l.logger.Info().
		Str("exposure_id", exposureID).
		Uint32("chunks_acked", acked).
		Uint32("total_chunks", total).
		Float64("progress_percent", progress).
		Float64("exposure_rate", exposureRate).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("exposure progress")
}

// ExposureCompleted logs a successfully completed exposure.
func (l *Logger) ExposureCompleted(exposureID string, totalSize uint64, totalChunks uint32, duration time.Duration, integrityVerified bool) {
	l.logger.Info().
		Str("exposure_id", exposureID).
		Uint64("total_size", totalSize).
		Uint32("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Bool("integrity_verified", integrityVerified).
		Msg("exposure completed successfully")
}

// ChunkIntegrityFailed logs a per-chunk hash mismatch.
func (l *Logger) ChunkIntegrityFailed(exposureID string, chunkIndex uint32, retryCount int) {
	l.logger.Warn().
		Str("exposure_id", exposureID).
		Uint32("chunk_index", chunkIndex).
		Int("retry_count", retryCount).
		Msg("chunk integrity check failed")
}

// FECParityRecommendation logs the adaptive FEC policy's recommended
// parity count for an exposure whose observed loss rate has drifted away
// from its current, fixed FECR. The recommendation is advisory: the
// manifest already in flight keeps its original FECK/FECR, so this only
// informs the parity count picked for the next exposure's Config.
func (l *Logger) FECParityRecommendation(exposureID string, currentR, recommendedR int, lossRatePercent float64) {
	l.logger.Warn().
		Str("exposure_id", exposureID).
		Int("current_parity_shards", currentR).
		Int("recommended_parity_shards", recommendedR).
		Float64("loss_rate_percent", lossRatePercent).
		Msg("FEC parity recommendation drifted from current exposure's fixed FECR")
}

// SessionEstablished logs a completed handshake.
func (l *Logger) SessionEstablished(exposureID, peerAddr string) {
	l.logger.Info().
		Str("exposure_id", exposureID).
		Str("peer_addr", peerAddr).
		Msg("session handshake completed")
}

// SessionFailed logs a fatal session fault with its peer context.
func (l *Logger) SessionFailed(exposureID, peerAddr string, err error) {
	l.logger.Error().
		Str("exposure_id", exposureID).
		Str("peer_addr", peerAddr).
		Err(err).
		Msg("session failed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
