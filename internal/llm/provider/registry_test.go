package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"O-Sovereign/internal/config"
	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/llm"
	"O-Sovereign/internal/llm/mock"
)

func TestBuildMockDefault(t *testing.T) {
	r := NewRegistry()
	backend, err := r.Build("Omega", config.BackendConfig{})
	require.NoError(t, err)
	assert.IsType(t, &mock.Backend{}, backend)

	resp, err := backend.Generate(context.Background(), llm.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Text, "[Omega Mock Response]"))
}

func TestBuildAppliesRateLimit(t *testing.T) {
	r := NewRegistry()
	backend, err := r.Build("MOSS", config.BackendConfig{Provider: "mock", RateLimit: config.RateLimitConfig{RPS: 5, Burst: 2}})
	require.NoError(t, err)
	assert.IsType(t, &llm.Throttled{}, backend)
}

func TestBuildUnknownProvider(t *testing.T) {
	_, err := NewRegistry().Build("L6", config.BackendConfig{Provider: "cohere"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestBuildVendorRequiresKey(t *testing.T) {
	r := NewRegistry()
	for _, provider := range []string{"openai", "anthropic", "gemini"} {
		_, err := r.Build("Ultron", config.BackendConfig{Provider: provider})
		require.Error(t, err, provider)
	}
	_, err := r.Build("Ultron", config.BackendConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
}

func TestBuildFallsBackToMockWithoutKey(t *testing.T) {
	t.Setenv("SOVEREIGN_TEST_MISSING_KEY", "")
	r := NewRegistry()

	backend, err := r.Build("Ultron", config.BackendConfig{Provider: "anthropic", APIKeyEnv: "SOVEREIGN_TEST_MISSING_KEY", FallbackToMock: true})
	require.NoError(t, err)
	assert.IsType(t, &mock.Backend{}, backend)
	resp, err := backend.Generate(context.Background(), llm.Request{Prompt: "审计"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Text, "[Ultron Mock Response]"))

	throttled, err := r.Build("MOSS", config.BackendConfig{Provider: "openai", FallbackToMock: true, RateLimit: config.RateLimitConfig{RPS: 1}})
	require.NoError(t, err)
	assert.IsType(t, &llm.Throttled{}, throttled)

	keyed, err := r.Build("L6", config.BackendConfig{Provider: "gemini", APIKey: "k", FallbackToMock: true})
	require.NoError(t, err)
	_, isMock := keyed.(*mock.Backend)
	assert.False(t, isMock, "configured key must not fall back")

	_, err = r.Build("Ultron", config.BackendConfig{Provider: "anthropic", APIKeyEnv: "SOVEREIGN_TEST_MISSING_KEY"})
	require.Error(t, err)
}

func TestRegisterCustomProvider(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("Custom", func(name string, cfg config.BackendConfig) (llm.Backend, error) {
		called = true
		return mock.New(mock.Config{Role: name}), nil
	})
	_, err := r.Build("L6", config.BackendConfig{Provider: "custom"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, r.Providers(), "custom")
}

func TestSystemPromptDefaults(t *testing.T) {
	assert.Contains(t, systemPrompt("Ultron", config.BackendConfig{}), "red team")
	assert.Equal(t, "override", systemPrompt("Ultron", config.BackendConfig{SystemPrompt: "override"}))
	assert.Empty(t, systemPrompt("L6", config.BackendConfig{}))
}
