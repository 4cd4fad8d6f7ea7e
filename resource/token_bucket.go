package resource

import (
	"sync"
	"time"
)

// tokenBucket rate-limits task dispatch for a throttled Handle.
//
// Adapted from the teacher's lsm/token_bucket package: the refill-on-
// elapsed-time bookkeeping is kept, but the disk-persisted bucket (it
// survived process restarts via the teacher's block manager) becomes
// a purely in-process limiter, since throttle_compute (§4.10) is an
// intra-process dispatch-rate hint with no durability requirement of
// its own.
type tokenBucket struct {
	mu              sync.Mutex
	capacity        float64
	remainingTokens float64
	refillPerSecond float64
	lastRefill      time.Time
}

func newTokenBucket(capacity, refillPerSecond float64) *tokenBucket {
	return &tokenBucket{
		capacity:        capacity,
		remainingTokens: capacity,
		refillPerSecond: refillPerSecond,
		lastRefill:      time.Now(),
	}
}

// allow reports whether a task may be dispatched now, consuming one
// token if so.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.remainingTokens += elapsed * tb.refillPerSecond
	if tb.remainingTokens > tb.capacity {
		tb.remainingTokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.remainingTokens < 1 {
		return false
	}
	tb.remainingTokens--
	return true
}

// setRate reconfigures capacity and refill rate, used when
// throttle_compute changes a handle's factor.
func (tb *tokenBucket) setRate(capacity, refillPerSecond float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.capacity = capacity
	tb.refillPerSecond = refillPerSecond
	if tb.remainingTokens > capacity {
		tb.remainingTokens = capacity
	}
}
