package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsUsesPrivateRegistry(t *testing.T) {
	m := NewMetrics()
	if m.Registry() == nil {
		t.Fatal("expected a non-nil private registry")
	}
}

func TestRecordExposureLifecycle(t *testing.T) {
	m := NewMetrics()
	m.RecordExposureStart()
	m.RecordExposureComplete(true, 1.5)

	count, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(count) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestSetRateControllerState(t *testing.T) {
	m := NewMetrics()
	m.SetRateControllerState(250.0, 4, 6)
	if got := testutil.ToFloat64(m.ExposureRate); got != 250.0 {
		t.Errorf("ExposureRate = %v, want 250.0", got)
	}
}

func TestRecordChunkSentAndAcked(t *testing.T) {
	m := NewMetrics()
	m.RecordChunkSent(1024)
	m.RecordChunkAcked(1024)

	if got := testutil.ToFloat64(m.ChunksSentTotal); got != 1 {
		t.Errorf("ChunksSentTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChunksAckedTotal); got != 1 {
		t.Errorf("ChunksAckedTotal = %v, want 1", got)
	}
}
