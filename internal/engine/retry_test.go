package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"meridian/internal/venue"
)

func retryableErr() error {
	return &venue.AdapterError{Venue: "sim", Code: venue.CodeTimeout, Retryable: true, Err: errors.New("deadline exceeded")}
}

func fatalErr() error {
	return &venue.AdapterError{Venue: "sim", Code: venue.CodeInsufficientFunds, Retryable: false, Err: errors.New("rejected")}
}

func TestNextNonRetryableGivesUpImmediately(t *testing.T) {
	p := NewRetryPolicy(5, 100*time.Millisecond, time.Minute)
	if d := p.Next(1, 0, fatalErr()); d.Retry {
		t.Error("non-retryable error scheduled a retry")
	}
}

func TestNextExponentialBackoffWithJitter(t *testing.T) {
	p := NewRetryPolicy(5, 100*time.Millisecond, time.Minute)

	for attempt, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	} {
		d := p.Next(attempt, 0, retryableErr())
		if !d.Retry {
			t.Fatalf("attempt %d: gave up, want retry", attempt)
		}
		if d.After < base || d.After > base+base/2 {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d.After, base, base+base/2)
		}
	}
}

func TestNextBoundedByMaxAttempts(t *testing.T) {
	p := NewRetryPolicy(3, 10*time.Millisecond, time.Minute)
	if d := p.Next(2, 0, retryableErr()); !d.Retry {
		t.Error("attempt 2 of 3 gave up early")
	}
	if d := p.Next(3, 0, retryableErr()); d.Retry {
		t.Error("attempt 3 of 3 scheduled a fourth attempt")
	}
}

func TestNextBoundedByMaxElapsed(t *testing.T) {
	p := NewRetryPolicy(100, 10*time.Millisecond, time.Second)
	if d := p.Next(1, 2*time.Second, retryableErr()); d.Retry {
		t.Error("retry scheduled past the elapsed-time bound")
	}
	// Delay is clipped so the next attempt lands inside the bound.
	d := p.Next(20, 900*time.Millisecond, retryableErr())
	if !d.Retry {
		t.Fatal("gave up with time remaining")
	}
	if d.After > 150*time.Millisecond {
		t.Errorf("delay %v overshoots the remaining budget", d.After)
	}
}

func TestNextPlainContextErrorIsRetryable(t *testing.T) {
	p := NewRetryPolicy(5, 10*time.Millisecond, time.Minute)
	if d := p.Next(1, 0, errTimeout()); !d.Retry {
		t.Error("deadline exceeded should be retryable")
	}
}

func errTimeout() error { return context.DeadlineExceeded }
