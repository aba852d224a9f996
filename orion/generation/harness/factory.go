package harness

import (
	"context"
	"database/sql"
	"time"

	"github.com/ZanzyTHEbar/orion-gepa/orion/config"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	db            *sql.DB // Optional, for the session store and mining ledger
	logger        zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(harnessConfig *config.HarnessConfig, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		db:            db,
		logger:        logger,
	}
}

// CreateExecutor wires an executor over registry.
func (f *Factory) CreateExecutor(registry *Registry) *Executor {
	policy := f.CreatePolicy()
	opts := []ExecutorOption{
		WithConcurrency(f.harnessConfig.ToolConcurrency),
		WithToolTimeout(policy.ToolTimeout),
	}
	if f.harnessConfig.EnableGuardrails {
		opts = append(opts, WithGuardrails(f.CreateGuardrails()))
	}
	return NewExecutor(registry, f.logger, opts...)
}

// CreateLoop creates a fully wired ConversationLoop from config.
func (f *Factory) CreateLoop(provider ports.Provider, executor *Executor, options ports.Options) *ConversationLoop {
	return NewConversationLoop(
		provider,
		executor,
		f.CreateStore(),
		f.CreateRateLimiter(),
		f.CreateTracer(),
		f.CreatePolicy(),
		options,
		f.logger,
	)
}

// CreateCache creates a cache adapter from config.
func (f *Factory) CreateCache() ports.Cache {
	if !f.harnessConfig.CacheEnabled {
		return &noOpCache{}
	}

	return adapters.NewLRUCache(f.harnessConfig.CacheCapacity)
}

// CreateRateLimiter creates a rate limiter adapter from config.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.harnessConfig.RateLimitCapacity, f.harnessConfig.RateLimitRefillRate)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.harnessConfig.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// CreateStore creates a conversation store adapter from config.
func (f *Factory) CreateStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}

	return adapters.NewLibSQLConversationStore(f.db)
}

// CreateLedger creates the mining ledger, or nil without a database.
func (f *Factory) CreateLedger() ports.MiningLedger {
	if f.db == nil {
		return nil
	}
	return adapters.NewLibSQLMiningLedger(f.db)
}

// CreateGuardrails creates guardrails from config.
func (f *Factory) CreateGuardrails() *Guardrails {
	guardrails := NewGuardrails()
	for _, toolName := range f.harnessConfig.AllowedTools {
		guardrails.AddAllowedTool(toolName)
	}
	return guardrails
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	policy := &Policy{
		MaxToolDepth:  f.harnessConfig.MaxToolDepth,
		MaxIterations: f.harnessConfig.MaxIterations,
		ToolTimeout:   f.harnessConfig.ToolTimeout,
		RetryCount:    f.harnessConfig.RetryCount,
		RetryBackoff:  f.harnessConfig.RetryBackoff,
	}

	// Validate and clamp policy values
	if policy.MaxToolDepth < 1 {
		policy.MaxToolDepth = 1
		f.logger.Warn().Int("max_tool_depth", f.harnessConfig.MaxToolDepth).Msg("MaxToolDepth clamped to minimum of 1")
	}
	if policy.MaxToolDepth > 10 {
		policy.MaxToolDepth = 10
		f.logger.Warn().Int("max_tool_depth", f.harnessConfig.MaxToolDepth).Msg("MaxToolDepth clamped to maximum of 10")
	}

	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
		f.logger.Warn().Int("max_iterations", f.harnessConfig.MaxIterations).Msg("MaxIterations clamped to minimum of 1")
	}
	if policy.MaxIterations > 50 {
		policy.MaxIterations = 50
		f.logger.Warn().Int("max_iterations", f.harnessConfig.MaxIterations).Msg("MaxIterations clamped to maximum of 50")
	}

	if policy.ToolTimeout <= 0 {
		policy.ToolTimeout = 30 * time.Second
		f.logger.Warn().Dur("tool_timeout", f.harnessConfig.ToolTimeout).Msg("ToolTimeout reset to 30s")
	}
	if policy.RetryCount < 0 {
		policy.RetryCount = 0
		f.logger.Warn().Int("retry_count", f.harnessConfig.RetryCount).Msg("RetryCount clamped to minimum of 0")
	}
	if policy.RetryCount > 5 {
		policy.RetryCount = 5
		f.logger.Warn().Int("retry_count", f.harnessConfig.RetryCount).Msg("RetryCount clamped to maximum of 5")
	}
	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = 100 * time.Millisecond
	}

	return policy
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
