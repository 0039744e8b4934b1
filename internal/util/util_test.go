package util

import (
	"context"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	if NewLogger("debug", "json") == nil {
		t.Fatal("NewLogger returned nil")
	}
	if NewLogger("nonsense", "text") == nil {
		t.Fatal("NewLogger with unknown level returned nil")
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	// First token is immediately available.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
}

func TestRateLimiterContextCancel(t *testing.T) {
	rl := NewRateLimiter(1) // one op per minute, so a second token takes far too long
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("second Wait should fail when context expires before a token is available")
	}
}

func TestKeyedRateLimiterDisabled(t *testing.T) {
	k := NewKeyedRateLimiter(0)
	for i := 0; i < 10; i++ {
		if err := k.Wait(context.Background(), "sim"); err != nil {
			t.Fatalf("disabled limiter returned error: %v", err)
		}
	}
}

func TestKeyedRateLimiterIndependentKeys(t *testing.T) {
	k := NewKeyedRateLimiter(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// One token per key: both first calls succeed immediately.
	if err := k.Wait(ctx, "alpaca"); err != nil {
		t.Fatalf("Wait(alpaca) returned error: %v", err)
	}
	if err := k.Wait(ctx, "sim"); err != nil {
		t.Fatalf("Wait(sim) returned error: %v", err)
	}
}
