package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := LoadExecutorService()

	assert.Equal(t, "executor-service", cfg.ServiceName)
	assert.Equal(t, "0.0.0.0", cfg.APIHost)
	assert.Equal(t, "8001", cfg.APIPort)
	assert.Equal(t, 30, cfg.ExecutionTimeout)
	assert.Equal(t, 3, cfg.MaxExecutionRetries)
	assert.Equal(t, "python3", cfg.PythonBin)
	assert.Equal(t, "code-execution-requests", cfg.RequestTopic)
	assert.Equal(t, "execution-results", cfg.ResultTopic)
	assert.Equal(t, "default", cfg.KubernetesNamespace)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXECUTION_TIMEOUT", "120")
	t.Setenv("KUBERNETES_NAMESPACE", "jobs")
	t.Setenv("API_PORT", "9000")

	cfg := LoadExecutorService()
	assert.Equal(t, 120, cfg.ExecutionTimeout)
	assert.Equal(t, "jobs", cfg.KubernetesNamespace)
	assert.Equal(t, "9000", cfg.APIPort)
}

func TestCaseInsensitiveLookup(t *testing.T) {
	t.Setenv("log_level", "debug")

	cfg := LoadLLMService()
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMalformedNumberFallsBack(t *testing.T) {
	t.Setenv("MAX_VALIDATION_RETRIES", "not-a-number")

	cfg := LoadLLMService()
	assert.Equal(t, 3, cfg.MaxValidationRetries)
}

func TestJobRunnerTimeoutFromJobEnv(t *testing.T) {
	t.Setenv("TIMEOUT", "600")

	cfg := LoadJobRunner()
	require.Equal(t, 600, cfg.ExecutionTimeout)
	assert.Equal(t, "execution-results", cfg.S3Bucket)
}
