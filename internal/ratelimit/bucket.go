// Package ratelimit provides the token bucket shared by the HTTP API and the
// chat sessions.
package ratelimit

import "time"

// Bucket is a token bucket that refills continuously at Rate tokens per
// second up to Burst. It starts full. A Bucket is not safe for concurrent use;
// callers serialize access.
type Bucket struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// NewBucket returns a full bucket.
func NewBucket(rate, burst float64) Bucket {
	return Bucket{rate: rate, burst: burst, tokens: burst}
}

// Take spends one token at time now. When the bucket is empty it reports how
// long until the next token is available.
func (b *Bucket) Take(now time.Time) (ok bool, wait time.Duration) {
	if !b.last.IsZero() {
		b.tokens = min(b.burst, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Allow is Take without the wait.
func (b *Bucket) Allow(now time.Time) bool {
	ok, _ := b.Take(now)
	return ok
}

// LastUsed is the time of the most recent Take.
func (b *Bucket) LastUsed() time.Time { return b.last }
