package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	tb := NewTokenBucket(10, 5)
	if !tb.Allow(5) {
		t.Error("expected to consume the full initial burst")
	}
	if tb.Allow(1) {
		t.Error("expected bucket to be empty immediately after consuming the burst")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(100, 1)
	tb.Allow(1)
	time.Sleep(20 * time.Millisecond)
	if !tb.Allow(1) {
		t.Error("expected bucket to have refilled after 20ms at 100 tokens/sec")
	}
}

func TestSetRateAppliesImmediately(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	tb.Allow(1)
	tb.SetRate(1000)
	time.Sleep(5 * time.Millisecond)
	if !tb.Allow(1) {
		t.Error("expected SetRate to take effect without recreating the bucket")
	}
}

func TestWaitReturnsOnceTokensAvailable(t *testing.T) {
	tb := NewTokenBucket(1000, 1)
	tb.Allow(1)
	if err := tb.Wait(context.Background(), 1); err != nil {
		t.Errorf("Wait returned error: %v", err)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	tb.Allow(1)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx, 1)
	if err == nil {
		t.Error("expected Wait to return an error once the context is cancelled")
	}
}
