package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics mirroring the atomic Stats counters a
// session exposes (bytes_sent, chunks_sent, acks_received,
// exposure_rate, ...), registered against a private registry owned by
// the session. No HTTP /metrics endpoint is started here — wiring a
// promhttp handler onto that registry is an external collaborator's job.
type Metrics struct {
	registry *prometheus.Registry

	// Exposure lifecycle
	ExposuresTotal   *prometheus.CounterVec
	ExposuresActive  prometheus.Gauge
	ExposureDuration prometheus.Histogram

	// Chunk flow
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksAckedTotal      prometheus.Counter
	ChunksRetriedTotal    *prometheus.CounterVec
	ExposureRate          prometheus.Gauge
	CongestionWindow      prometheus.Gauge
	PullPressure          prometheus.Gauge

	// FEC
	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityChunksSentTotal       prometheus.Counter
	FECPolicyLossRate              prometheus.Gauge
	FECPolicyRecommendedParity     prometheus.Gauge

	// Cipher / integrity
	CipherOperationsTotal   *prometheus.CounterVec
	CipherOperationDuration prometheus.Histogram
	IntegrityChecksTotal    *prometheus.CounterVec

	activeExposures int64
}

// NewMetrics creates and registers metrics against a fresh, private
// registry — never the global default registry, so multiple sessions in
// one process don't collide on metric names.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		ExposuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rgt_exposures_total",
				Help: "Total exposure surfaces created",
			},
			[]string{"status"},
		),

		ExposuresActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_exposures_active",
				Help: "Currently active exposure surfaces",
			},
		),

		ExposureDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rgt_exposure_duration_seconds",
				Help:    "Exposure completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rgt_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rgt_chunks_sent_total",
				Help: "Total CHUNK_DATA packets sent",
			},
		),

		ChunksAckedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rgt_chunks_acked_total",
				Help: "Total chunks acknowledged by a receiver",
			},
		),

		ChunksRetriedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rgt_chunks_retried_total",
				Help: "Chunks requiring a retry",
			},
			[]string{"reason"},
		),

		ExposureRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_exposure_rate",
				Help: "Current rate controller exposure_rate (chunks/sec)",
			},
		),

		CongestionWindow: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_congestion_window",
				Help: "Current rate controller congestion_window",
			},
		),

		PullPressure: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_pull_pressure",
				Help: "Pull requests observed in the current controller window",
			},
		),

		FECEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_fec_enabled",
				Help: "FEC currently enabled (0/1)",
			},
		),

		FECReconstructionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rgt_fec_reconstructions_total",
				Help: "Chunks reconstructed via FEC parity",
			},
		),

		FECReconstructionFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rgt_fec_reconstruction_failures_total",
				Help: "Failed FEC reconstructions",
			},
		),

		FECParityChunksSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rgt_fec_parity_chunks_sent_total",
				Help: "Synthetic parity chunks transmitted",
			},
		),

		FECPolicyLossRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_fec_policy_loss_rate_percent",
				Help: "AdaptiveFECPolicy's smoothed observed loss rate for the current exposure",
			},
		),

		FECPolicyRecommendedParity: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rgt_fec_policy_recommended_parity_shards",
				Help: "AdaptiveFECPolicy's recommended parity shard count, advisory for the next exposure's Config",
			},
		),

		CipherOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rgt_cipher_operations_total",
				Help: "stream_xor cipher operations performed",
			},
			[]string{"operation"},
		),

		CipherOperationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rgt_cipher_operation_duration_seconds",
				Help:    "Cipher operation latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),

		IntegrityChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rgt_integrity_checks_total",
				Help: "per_chunk_hash verifications performed",
			},
			[]string{"result"},
		),
	}

	return m
}

// Registry returns the private registry these metrics are bound to, for
// an external collaborator that wants to serve it over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExposureStart increments active exposure counters.
func (m *Metrics) RecordExposureStart() {
	atomic.AddInt64(&m.activeExposures, 1)
	m.ExposuresActive.Set(float64(atomic.LoadInt64(&m.activeExposures)))
}

// RecordExposureComplete records exposure completion metrics.
func (m *Metrics) RecordExposureComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeExposures, -1)
	m.ExposuresActive.Set(float64(atomic.LoadInt64(&m.activeExposures)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.ExposuresTotal.WithLabelValues(status).Inc()
	m.ExposureDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkAcked updates metrics for an acknowledged chunk.
func (m *Metrics) RecordChunkAcked(bytes int) {
	m.ChunksAckedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetry increments retry counters.
func (m *Metrics) RecordChunkRetry(reason string) {
	m.ChunksRetriedTotal.WithLabelValues(reason).Inc()
}

// SetRateControllerState publishes the controller's current tick output.
func (m *Metrics) SetRateControllerState(rate float64, window uint32, pullPressure uint32) {
	m.ExposureRate.Set(rate)
	m.CongestionWindow.Set(float64(window))
	m.PullPressure.Set(float64(pullPressure))
}

// RecordCipherOperation records stream_xor operation duration.
func (m *Metrics) RecordCipherOperation(operation string, durationSeconds float64) {
	m.CipherOperationsTotal.WithLabelValues(operation).Inc()
	m.CipherOperationDuration.Observe(durationSeconds)
}

// RecordIntegrityCheck increments per_chunk_hash verification counters.
func (m *Metrics) RecordIntegrityCheck(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.IntegrityChecksTotal.WithLabelValues(result).Inc()
}

// RecordFECReconstruction updates FEC reconstruction counters.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetFECEnabled sets the FEC enabled flag.
func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

// SetFECPolicyRecommendation publishes the adaptive FEC policy's latest
// loss observation and resulting parity recommendation.
func (m *Metrics) SetFECPolicyRecommendation(lossRatePercent float64, recommendedR int) {
	m.FECPolicyLossRate.Set(lossRatePercent)
	m.FECPolicyRecommendedParity.Set(float64(recommendedR))
}
