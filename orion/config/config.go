package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/orion-gepa/orion"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Orion    OrionConfig    `mapstructure:"orion"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Harness  HarnessConfig  `mapstructure:"harness"`
	GEPA     GEPAConfig     `mapstructure:"gepa"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Type    string `mapstructure:"type"`
	// Embedded-only configuration
	LibSQLDataDir string `mapstructure:"libsql_data_dir"` // Directory for database files
}

// OrionConfig stores file locations and the service surface.
type OrionConfig struct {
	DataLakeDir string         `mapstructure:"data_lake_dir"` // Directory holding the JSON datasets
	ThreadsDir  string         `mapstructure:"threads_dir"`   // Where finished threads are written
	ToolsFile   string         `mapstructure:"tools_file"`    // Learned-tool store
	WatchTools  bool           `mapstructure:"watch_tools"`   // Reload the tool store when another process rewrites it
	ListenAddr  string         `mapstructure:"listen_addr"`
	OwnerEmail  string         `mapstructure:"owner_email"` // Organizer of events the assistant creates
	OwnerName   string         `mapstructure:"owner_name"`
	Database    DatabaseConfig `mapstructure:"database"`
}

// LLMConfig stores language model configurations.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`       // "openai"
	Model        string        `mapstructure:"model"`          // conversation model
	JudgeModel   string        `mapstructure:"judge_model"`    // structured judgments during mining
	APIKey       string        `mapstructure:"api_key"`        // falls back to OPENAI_API_KEY
	BaseURL      string        `mapstructure:"base_url"`       // optional OpenAI-compatible endpoint
	MaxNewTokens int           `mapstructure:"max_new_tokens"` // Max tokens to generate
	Temperature  float32       `mapstructure:"temperature"`    // Sampling temperature
	Timeout      time.Duration `mapstructure:"timeout"`        // per provider call
}

// HarnessConfig stores LLM harness configurations.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Cache judge responses
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`     // Enable rate limiting
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // Token bucket capacity
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // Refill rate

	// Policies
	MaxToolDepth  int           `mapstructure:"max_tool_depth"` // Tool rounds per user turn
	MaxIterations int           `mapstructure:"max_iterations"` // Provider calls per user turn
	RetryCount    int           `mapstructure:"retry_count"`    // Provider call retries
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`  // Base delay between retries

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"` // Validate tool arguments against schemas
	AllowedTools     []string `mapstructure:"allowed_tools"`     // Empty means every registered tool

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"` // Enable structured logging/tracing

	// Performance
	ToolConcurrency int           `mapstructure:"tool_concurrency"` // Max concurrent tool executions
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`     // Per-tool timeout
}

// GEPAConfig stores pattern-mining settings.
type GEPAConfig struct {
	SynthesisAttempts int     `mapstructure:"synthesis_attempts"` // Judge calls per candidate tool
	ObjectiveOverlap  float64 `mapstructure:"objective_overlap"`  // Cosine similarity that counts as the same objective
	MinComplexity     int     `mapstructure:"min_complexity"`     // Coverage gate
	Workers           int     `mapstructure:"workers"`            // Threads mined in parallel by ProcessDir
	SweepSchedule     string  `mapstructure:"sweep_schedule"`     // cron spec; empty disables the sweep
}

// DispatchConfig stores learned-tool runtime settings.
type DispatchConfig struct {
	ContextWindow        int     `mapstructure:"context_window"`         // Trailing text turns carried into a learned tool
	DefaultInternalTurns int     `mapstructure:"default_internal_turns"` // Used when a definition omits max_internal_turns
	MinConfidence        float64 `mapstructure:"min_confidence"`         // Triggers below this are ignored
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. llm.api_key becomes LLM_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v.GetString("OPENAI_API_KEY")
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("orion.data_lake_dir", internal.DefaultDataLakeDir)
	v.SetDefault("orion.threads_dir", internal.DefaultThreadsDir)
	v.SetDefault("orion.tools_file", internal.DefaultToolsFile)
	v.SetDefault("orion.watch_tools", true)
	v.SetDefault("orion.listen_addr", internal.DefaultListenAddr)
	v.SetDefault("orion.owner_email", internal.DefaultOwnerEmail)
	v.SetDefault("orion.owner_name", internal.DefaultOwnerName)

	// LibSQL embedded defaults only
	v.SetDefault("orion.database.enabled", false)
	v.SetDefault("orion.database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("orion.database.type", internal.DefaultDatabaseType)
	v.SetDefault("orion.database.libsql_data_dir", internal.DefaultDatabaseDir)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.judge_model", "gpt-4o")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_new_tokens", 1024)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 256)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.max_tool_depth", 1)
	v.SetDefault("harness.max_iterations", 6)
	v.SetDefault("harness.retry_count", 2)
	v.SetDefault("harness.retry_backoff", "500ms")
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{})
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.tool_concurrency", 5)
	v.SetDefault("harness.tool_timeout", "30s")

	v.SetDefault("gepa.synthesis_attempts", 2)
	v.SetDefault("gepa.objective_overlap", 0.6)
	v.SetDefault("gepa.min_complexity", 6)
	v.SetDefault("gepa.workers", 4)
	v.SetDefault("gepa.sweep_schedule", "")

	v.SetDefault("dispatch.context_window", 6)
	v.SetDefault("dispatch.default_internal_turns", 3)
	v.SetDefault("dispatch.min_confidence", 0.0)
}
