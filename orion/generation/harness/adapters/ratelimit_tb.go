package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"golang.org/x/time/rate"
)

// TokenBucket implements a keyed token bucket rate limiter. Each key gets its
// own bucket of the configured capacity refilled one token per refillRate.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*rate.Limiter
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*rate.Limiter),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Acquire waits for a token for the given key. It fails with
// ErrRateLimitExceeded when ctx ends first or the wait would outlast the
// context deadline.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := tb.bucket(key).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLimitExceeded, err)
	}
	return func() {}, nil
}

// TryAcquire takes a token without waiting.
func (tb *TokenBucket) TryAcquire(key string) bool {
	return tb.bucket(key).Allow()
}

func (tb *TokenBucket) bucket(key string) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, exists := tb.buckets[key]
	if !exists {
		b = rate.NewLimiter(rate.Every(tb.refillRate), tb.capacity)
		tb.buckets[key] = b
	}
	return b
}

// ErrRateLimitExceeded is returned when no token could be obtained.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
