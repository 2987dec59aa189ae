package ratelimit

import (
	"sync"
	"time"
)

// burstSeconds is the bucket depth relative to the refill rate. A full
// bucket admits this many seconds of traffic in one burst before the
// steady-state rate takes over.
const burstSeconds = 2.0

// Bucket is a token bucket sized in bytes. Tokens accumulate at Rate bytes
// per second up to 2·Rate; each packet consumes tokens equal to its length
// or is rejected. Rejections do not refund tokens: the drop itself is the
// backpressure signal the sender's congestion control reacts to.
type Bucket struct {
	mu        sync.Mutex
	tokens    float64
	maxTokens float64
	rate      float64 // bytes per second
	last      time.Time
}

// NewBucket creates a bucket refilling at rate bytes per second, initially
// full.
func NewBucket(rate float64) *Bucket {
	if rate < 0 {
		rate = 0
	}
	max := rate * burstSeconds
	return &Bucket{
		tokens:    max,
		maxTokens: max,
		rate:      rate,
		last:      time.Now(),
	}
}

// SetRate updates the refill rate and bucket depth. Tokens above the new
// depth are discarded; tokens are never increased by a rate change.
func (b *Bucket) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if rate == b.rate {
		return
	}
	b.rate = rate
	b.maxTokens = rate * burstSeconds
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Rate returns the current refill rate in bytes per second.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Tokens returns the token count after refilling to now.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	return b.tokens
}

// TryConsume refills the bucket from the monotonic clock, then takes n
// tokens if available. On failure the token count is left untouched.
func (b *Bucket) TryConsume(n uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	if n == 0 {
		return true
	}
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// refill advances the bucket to now. Callers hold b.mu. time.Now carries
// Go's monotonic reading, so elapsed never goes negative across wall-clock
// jumps.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	if elapsed <= 0 {
		return
	}
	b.tokens += b.rate * elapsed
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}
