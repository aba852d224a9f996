package harnessports

import "context"

// Tracer emits spans and point events for the loop, dispatcher and miner.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}
