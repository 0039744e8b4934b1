package engine

import (
	"math/rand"
	"sync"
	"time"

	"meridian/internal/venue"
)

// RetryDecision is the answer to "should this dispatch be attempted
// again, and when".
type RetryDecision struct {
	Retry bool
	After time.Duration
}

// RetryPolicy bounds redispatch of failed adapter calls. Classification
// is binary: venue errors marked retryable (timeouts, resets, rate
// limits, 5xx) get exponential backoff with jitter; everything else
// gives up on first occurrence. Exceeding MaxAttempts or MaxElapsed
// gives up regardless of error kind.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxElapsed  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryPolicy(maxAttempts int, baseDelay, maxElapsed time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxElapsed:  maxElapsed,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next decides the fate of the dispatch that just failed. attempt is
// the 1-based number of the attempt that failed; elapsed is the time
// since the first attempt started.
func (p *RetryPolicy) Next(attempt int, elapsed time.Duration, err error) RetryDecision {
	if !venue.Retryable(err) {
		return RetryDecision{}
	}
	if attempt >= p.MaxAttempts {
		return RetryDecision{}
	}
	if p.MaxElapsed > 0 && elapsed >= p.MaxElapsed {
		return RetryDecision{}
	}

	// base * 2^(attempt-1), plus up to 50% jitter.
	delay := p.BaseDelay << (attempt - 1)
	if remain := p.MaxElapsed - elapsed; p.MaxElapsed > 0 && delay > remain {
		delay = remain
	}
	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(delay)/2 + 1))
	p.mu.Unlock()
	return RetryDecision{Retry: true, After: delay + jitter}
}
