// Package backoff implements the exponential-with-jitter retry delay
// used to compute each FAILED event's next visible_at.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes exponential-with-jitter backoff:
//
//	exponential = min(maxBackoff, baseBackoff * 2^n)
//	jitter      = uniform_random(0, exponential * jitterFactor)
//	delay       = floor(exponential + jitter)
type Policy struct {
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	JitterFactor  float64
	MaxRetries    int
}

// Default is a conservative starting policy: base=100ms, max=30s,
// jitter=0.1, max_retries=5.
func Default() Policy {
	return Policy{
		BaseBackoff:  100 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		JitterFactor: 0.1,
		MaxRetries:   5,
	}
}

// Delay computes the backoff for zero-based attempt n. It is computed for
// observability and for the visible_at extension (repository.MarkFailed);
// it is never used to block in-process.
func (p Policy) Delay(n int) time.Duration {
	exp := float64(p.BaseBackoff) * math.Pow(2, float64(n))
	if max := float64(p.MaxBackoff); exp > max {
		exp = max
	}
	jitter := rand.Float64() * exp * p.JitterFactor
	return time.Duration(math.Floor(exp + jitter))
}

// NextVisibleAt returns the time at which a FAILED event with the given
// zero-based retry attempt becomes eligible for ClaimBatch again.
func (p Policy) NextVisibleAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
