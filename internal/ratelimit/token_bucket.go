// Package ratelimit provides the deterministic token bucket used to cap
// per-connection signaling message rates at the relay.
package ratelimit

import (
	"sync"
	"time"
)

// Fixed-point representation: one token is 1e9 nano-tokens, so a rate of
// N tokens/sec refills N nano-tokens per elapsed nanosecond without float
// rounding.
const nanosPerToken = int64(time.Second)

// TokenBucket refills at an integer tokens/sec rate against a Clock.
//
// A rate <= 0 disables limiting: every Allow call succeeds. That maps
// directly onto the relay config, where zero means "no message rate cap".
type TokenBucket struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // tokens/sec; doubles as burst capacity

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full. Burst capacity equals
// the refill rate, matching one second of traffic.
func NewTokenBucket(clock Clock, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenBucket{
		clock:     clock,
		rate:      rate,
		available: rate * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	if b.rate <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < nanosPerToken {
		return false
	}
	b.available -= nanosPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now

	capacity := b.rate * nanosPerToken
	if b.available >= capacity {
		return
	}

	// A bucket refills completely within one second, so elapsed time at or
	// beyond that clamps to capacity and cannot overflow the multiply.
	if elapsed >= time.Second {
		b.available = capacity
		return
	}
	b.available += elapsed.Nanoseconds() * b.rate
	if b.available > capacity {
		b.available = capacity
	}
}
