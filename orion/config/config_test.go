package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/orion-gepa/orion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()

	// Change to temp directory so no stray config.yaml is picked up
	err = os.Chdir(suite.tempDir)
	require.NoError(suite.T(), err)
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultDataLakeDir, cfg.Orion.DataLakeDir)
	assert.Equal(suite.T(), internal.DefaultThreadsDir, cfg.Orion.ThreadsDir)
	assert.Equal(suite.T(), internal.DefaultToolsFile, cfg.Orion.ToolsFile)
	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Orion.Database.DSN)
	assert.False(suite.T(), cfg.Orion.Database.Enabled)
	assert.Equal(suite.T(), internal.DefaultOwnerEmail, cfg.Orion.OwnerEmail)

	assert.Equal(suite.T(), "openai", cfg.LLM.Provider)
	assert.Equal(suite.T(), 60*time.Second, cfg.LLM.Timeout)

	assert.Equal(suite.T(), 1, cfg.Harness.MaxToolDepth)
	assert.Equal(suite.T(), 5, cfg.Harness.ToolConcurrency)
	assert.Equal(suite.T(), 30*time.Second, cfg.Harness.ToolTimeout)
	assert.Equal(suite.T(), time.Second, cfg.Harness.RateLimitRefillRate)

	assert.Equal(suite.T(), 6, cfg.GEPA.MinComplexity)
	assert.Equal(suite.T(), 2, cfg.GEPA.SynthesisAttempts)
	assert.InDelta(suite.T(), 0.6, cfg.GEPA.ObjectiveOverlap, 1e-9)

	assert.Equal(suite.T(), 6, cfg.Dispatch.ContextWindow)
	assert.Equal(suite.T(), 3, cfg.Dispatch.DefaultInternalTurns)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
orion:
  data_lake_dir: "./lake"
  threads_dir: "./threads"
  tools_file: "./skills.json"
  owner_email: "dana@example.com"
  owner_name: "Dana"
  database:
    enabled: true
    dsn: "test.db"
llm:
  model: "gpt-4o-mini"
harness:
  max_tool_depth: 2
  tool_timeout: 5s
dispatch:
  context_window: 4
`

	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), "./lake", cfg.Orion.DataLakeDir)
	assert.Equal(suite.T(), "./threads", cfg.Orion.ThreadsDir)
	assert.Equal(suite.T(), "./skills.json", cfg.Orion.ToolsFile)
	assert.Equal(suite.T(), "dana@example.com", cfg.Orion.OwnerEmail)
	assert.Equal(suite.T(), "Dana", cfg.Orion.OwnerName)
	assert.True(suite.T(), cfg.Orion.Database.Enabled)
	assert.Equal(suite.T(), "test.db", cfg.Orion.Database.DSN)
	assert.Equal(suite.T(), "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(suite.T(), 2, cfg.Harness.MaxToolDepth)
	assert.Equal(suite.T(), 5*time.Second, cfg.Harness.ToolTimeout)
	assert.Equal(suite.T(), 4, cfg.Dispatch.ContextWindow)

	// Untouched sections keep their defaults
	assert.Equal(suite.T(), 6, cfg.GEPA.MinComplexity)
}

func (suite *ConfigTestSuite) TestLoadConfigFromEnv() {
	suite.T().Setenv("LLM_MODEL", "gpt-env")
	suite.T().Setenv("GEPA_WORKERS", "9")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "gpt-env", cfg.LLM.Model)
	assert.Equal(suite.T(), 9, cfg.GEPA.Workers)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	// An explicit path that does not exist is an error
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	malformedContent := `
orion:
  data_lake_dir: "./lake"
  invalid_yaml: [unclosed bracket
`

	configFile := filepath.Join(suite.tempDir, "malformed.yaml")
	err := os.WriteFile(configFile, []byte(malformedContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig(configFile)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestAppConfigGlobal() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), cfg.Orion.ToolsFile, AppConfig.Orion.ToolsFile)
}

// BenchmarkLoadConfig benchmarks config loading performance
func BenchmarkLoadConfig(b *testing.B) {
	for b.Loop() {
		cfg, err := LoadConfig("")
		if err != nil {
			b.Fatal(err)
		}
		_ = cfg
	}
}
