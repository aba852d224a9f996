package harnessports

import "context"

// RateLimiter coordinates throughput to a model backend.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
