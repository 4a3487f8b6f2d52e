package ratelimit

import (
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token = 1e9 nano-tokens, so a
// fill rate of X tokens/sec adds X nano-tokens per elapsed nanosecond without
// float rounding.
const nanoPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer rate
// (tokens/sec) from an injected Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanoPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := b.capacity * nanoPerToken
	need := capNano - b.available
	if need <= 0 {
		b.available = capNano
		return
	}
	// Clamp before multiplying so elapsed*fillRate cannot overflow.
	if elapsed >= need/b.fillRate {
		b.available = capNano
		return
	}
	b.available += elapsed * b.fillRate
}
