package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"O-Sovereign/internal/config"
	"O-Sovereign/internal/pipeline"
)

func runRoot(t *testing.T, args ...string) (*pipeline.Result, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if out.Len() == 0 {
		return nil, err
	}
	var result pipeline.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	return &result, err
}

func TestExecWithMockBackendsRunsToIterationLimit(t *testing.T) {
	t.Setenv(config.EnvPath, "")

	result, err := runRoot(t, "exec", "--mock", "--max-iterations", "2", "规划一次周末旅行")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.False(t, result.Accepted)
	assert.Equal(t, "规划一次周末旅行", result.UserInput)
	assert.Equal(t, 2, result.Statistics.Iterations)
}

func TestExecAcceptsSafePlanFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sovereign.yaml")
	yaml := `
pipeline:
  max_iterations: 3
  risk_threshold: 70
backends:
  planner:
    provider: mock
  verifier:
    provider: mock
  auditor:
    provider: mock
    mock:
      responses:
        - "RISK_SCORE: 12\nIS_SAFE: true\nMITIGATION: none"
  executor:
    provider: mock
    mock:
      responses:
        - "最终方案"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	result, err := runRoot(t, "exec", "--config", path, "整理书架")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.True(t, result.Accepted)
	assert.Equal(t, "最终方案", result.FinalOutput)
	assert.Equal(t, 1, result.Statistics.Iterations)
}

func TestExecRequiresInput(t *testing.T) {
	_, err := runRoot(t, "exec", "--mock")
	assert.Error(t, err)
}

func TestLoadConfigMockOverride(t *testing.T) {
	t.Setenv(config.EnvPath, "")
	cfg, err := loadConfig(&rootOptions{mock: true, logLevel: "debug"})
	require.NoError(t, err)
	for role, backend := range cfg.Backends.Roles() {
		assert.Equal(t, "mock", backend.Provider, role)
	}
	assert.Equal(t, "debug", cfg.Log.Level)
}
