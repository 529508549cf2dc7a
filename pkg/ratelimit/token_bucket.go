package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a monotonic-time token bucket. Tokens refill at a constant
// rate up to the capacity; consumers may also credit tokens back on refund.
type tokenBucket struct {
	capacity   int64
	tokens     int64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int64, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// take attempts to consume n tokens, refilling first.
func (b *tokenBucket) take(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// credit returns n tokens to the bucket, capped at capacity.
func (b *tokenBucket) credit(n int64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// remaining reports the available tokens after a refill.
func (b *tokenBucket) remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// timeUntil reports how long until n tokens will be available.
func (b *tokenBucket) timeUntil(n int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		return 0
	}
	needed := n - b.tokens
	seconds := float64(needed) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// refillLocked adds tokens for the elapsed time. Caller holds the lock.
func (b *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)

	toAdd := int64(elapsed.Seconds() * b.refillRate)
	if toAdd > 0 {
		b.tokens += toAdd
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// MemoryStore is an in-process token-bucket Store with one bucket per scope.
type MemoryStore struct {
	rule    Rule
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewMemoryStore creates the in-memory rate-limit store for one rule.
func NewMemoryStore(rule Rule) *MemoryStore {
	return &MemoryStore{rule: rule, buckets: make(map[string]*tokenBucket)}
}

func (s *MemoryStore) bucket(scope string) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[scope]
	if !ok {
		capacity := s.rule.Burst
		if capacity <= 0 {
			capacity = int64(s.rule.TokensPerSecond)
		}
		if capacity <= 0 {
			capacity = 1
		}
		b = newTokenBucket(capacity, s.rule.TokensPerSecond)
		s.buckets[scope] = b
	}
	return b
}

// Consume implements Store.
func (s *MemoryStore) Consume(ctx context.Context, scope string, estimate int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.bucket(scope)
	if !b.take(estimate) {
		return &LimitExceededError{
			Scope:      scope,
			Estimated:  estimate,
			RetryAfter: b.timeUntil(estimate),
		}
	}
	return nil
}

// Return implements Store. Exact reconciliation refunds the difference
// between the estimate and the actual spend (or charges the overrun);
// under-estimates refund only what provably went unused above the observed
// partial spend.
func (s *MemoryStore) Return(ctx context.Context, scope string, estimate int64, rec Reconciliation) error {
	b := s.bucket(scope)

	if rec.ActualTokens != nil {
		actual := *rec.ActualTokens
		if actual <= estimate {
			b.credit(estimate - actual)
		} else {
			// Overrun: charge the excess, going negative is acceptable
			// only via take; drain what is available instead.
			b.take(actual - estimate)
		}
		return nil
	}

	if rec.ObservedTokens < estimate {
		b.credit(estimate - rec.ObservedTokens)
	}
	return nil
}

// Remaining reports the tokens currently available for a scope.
func (s *MemoryStore) Remaining(scope string) int64 {
	return s.bucket(scope).remaining()
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
