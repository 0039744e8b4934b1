package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		tokens:   1, // start with one token available
		lastTime: time.Now(),
	}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens -= 1
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		// Wait a short interval before checking again.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// KeyedRateLimiter maintains one RateLimiter per key, created lazily. Used
// to throttle dispatches independently per venue.
type KeyedRateLimiter struct {
	perMinute int
	mu        sync.Mutex
	limiters  map[string]*RateLimiter
}

// NewKeyedRateLimiter creates a KeyedRateLimiter allowing perMinute
// operations per minute for each key. A perMinute of zero disables limiting.
func NewKeyedRateLimiter(perMinute int) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*RateLimiter),
	}
}

// Wait blocks until the key's limiter releases a token or the context is
// cancelled.
func (k *KeyedRateLimiter) Wait(ctx context.Context, key string) error {
	if k == nil || k.perMinute <= 0 {
		return nil
	}
	k.mu.Lock()
	rl, ok := k.limiters[key]
	if !ok {
		rl = NewRateLimiter(k.perMinute)
		k.limiters[key] = rl
	}
	k.mu.Unlock()
	return rl.Wait(ctx)
}
