package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.BrokerHost)
	assert.Equal(t, 8000, cfg.BrokerPort)
	assert.Equal(t, 60, cfg.LeaseSeconds)
	assert.Equal(t, 60*time.Second, cfg.Lease())
	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, 15*time.Second, cfg.CmdTimeout())
	assert.Equal(t, 6, cfg.LLMToolLoopMaxSteps)
	assert.Equal(t, 4096, cfg.LLMMaxTokens)
	assert.InDelta(t, 0.2, cfg.LLMTemperature, 1e-9)
	assert.False(t, cfg.LLMConfigured())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LEASE_SECONDS", "5")
	t.Setenv("WORKER_CAPS", "repo_tools,llm:vllm")
	t.Setenv("LLM_BASE_URL", "http://localhost:8001/v1")
	t.Setenv("LLM_MODEL", "test-model")
	t.Setenv("WORKER_ID", "w-1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Lease())
	assert.Equal(t, []string{"repo_tools", "llm:vllm"}, cfg.WorkerCaps)
	assert.True(t, cfg.LLMConfigured())
	assert.Equal(t, "w-1", cfg.EffectiveWorkerID())
}

func TestEffectiveWorkerIDFallsBackToHostname(t *testing.T) {
	cfg := Config{}
	assert.NotEmpty(t, cfg.EffectiveWorkerID())
}

func TestEnvModes(t *testing.T) {
	assert.True(t, Config{AppEnv: "dev"}.IsDev())
	assert.True(t, Config{AppEnv: "PROD"}.IsProd())
	assert.True(t, Config{AppEnv: "test"}.IsTest())
}
