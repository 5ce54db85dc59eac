package observability

import (
	"context"
	"testing"
)

func TestInitTracingReturnsShutdown(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "rgt-test")
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestTracerStartsSpanWithoutPanicking(t *testing.T) {
	if _, err := InitTracing(context.Background(), "rgt-test"); err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "handshake")
	span.End()
}
