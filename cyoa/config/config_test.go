package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/cyoa-agents/cyoa"

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
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(content string) string {
	path := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultModel, cfg.Model)
	assert.Equal(suite.T(), "vllm", cfg.Servers.Command)
	assert.Equal(suite.T(), "127.0.0.1", cfg.Servers.Host)
	assert.Equal(suite.T(), "port", cfg.Servers.Readiness)
	assert.Equal(suite.T(), 8999, cfg.Servers.Storyteller.Port)
	assert.Equal(suite.T(), 9000, cfg.Servers.Director.Port)
	assert.Equal(suite.T(), 9001, cfg.Servers.Character.Port)
	assert.Equal(suite.T(), 2, cfg.Servers.Character.Device)
	assert.Equal(suite.T(), "director_server.log", cfg.Servers.Director.LogFile)

	assert.Equal(suite.T(), 5, cfg.Gateway.MaxRetries)
	assert.Equal(suite.T(), 3*time.Second, cfg.Gateway.Backoff)
	assert.Equal(suite.T(), 60*time.Second, cfg.Gateway.ReadyTimeout)
	assert.Equal(suite.T(), time.Second, cfg.Gateway.ReadyInterval)

	assert.Equal(suite.T(), "storyteller", cfg.Orchestrator.Integration)
	assert.Equal(suite.T(), "reuse", cfg.Orchestrator.CharacterPolicy)
	assert.Equal(suite.T(), 256, cfg.Orchestrator.MaxTokens.Character)
	assert.Equal(suite.T(), 16384, cfg.Orchestrator.MaxTokens.Director)

	assert.Equal(suite.T(), 5, cfg.Session.MaxTurns)
	assert.Equal(suite.T(), "quit", cfg.Session.QuitWord)
	assert.Equal(suite.T(), internal.DefaultDebugLogFile, cfg.Log.File)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	path := suite.writeConfig(`
model: "NousResearch/Meta-Llama-3-8B-Instruct"
servers:
  readiness: log
  ready_timeout: 2m
  extra_args: ["--max-model-len", "8192"]
  storyteller:
    port: 7000
    device: 3
gateway:
  max_retries: 2
  backoff: 500ms
orchestrator:
  integration: append
  character_policy: respawn
  parallel_characters: true
`)

	cfg, err := LoadConfig(path)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "NousResearch/Meta-Llama-3-8B-Instruct", cfg.Model)
	assert.Equal(suite.T(), "log", cfg.Servers.Readiness)
	assert.Equal(suite.T(), 2*time.Minute, cfg.Servers.ReadyTimeout)
	assert.Equal(suite.T(), []string{"--max-model-len", "8192"}, cfg.Servers.ExtraArgs)
	assert.Equal(suite.T(), 7000, cfg.Servers.Storyteller.Port)
	assert.Equal(suite.T(), 3, cfg.Servers.Storyteller.Device)
	// untouched keys keep their defaults
	assert.Equal(suite.T(), 9000, cfg.Servers.Director.Port)
	assert.Equal(suite.T(), 2, cfg.Gateway.MaxRetries)
	assert.Equal(suite.T(), 500*time.Millisecond, cfg.Gateway.Backoff)
	assert.Equal(suite.T(), "append", cfg.Orchestrator.Integration)
	assert.Equal(suite.T(), "respawn", cfg.Orchestrator.CharacterPolicy)
	assert.True(suite.T(), cfg.Orchestrator.ParallelCharacters)
}

func (suite *ConfigTestSuite) TestLoadConfigEnvOverride() {
	suite.T().Setenv("CYOA_MODEL", "env/model")
	suite.T().Setenv("CYOA_GATEWAY_MAX_RETRIES", "7")

	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "env/model", cfg.Model)
	assert.Equal(suite.T(), 7, cfg.Gateway.MaxRetries)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	path := suite.writeConfig(`
servers:
  storyteller:
    port: [this is not
`)

	cfg, err := LoadConfig(path)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigRejectsSharedPorts() {
	path := suite.writeConfig(`
servers:
  director:
    port: 8999
`)

	_, err := LoadConfig(path)

	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "share port 8999")
}

func (suite *ConfigTestSuite) TestLoadConfigRejectsUnknownPolicies() {
	path := suite.writeConfig(`
orchestrator:
  integration: summarize
`)

	_, err := LoadConfig(path)

	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "orchestrator.integration")
}
