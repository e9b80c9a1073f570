package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"O-Sovereign/internal/llm"
)

func TestGenerateWithThinkingLevel(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-3-pro:generateContent"), r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "验证通过"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 500, "candidatesTokenCount": 500, "totalTokenCount": 1000}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Model: "gemini-3-pro"})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{
		Prompt:      "校验",
		MaxTokens:   1000,
		Temperature: 0.3,
		Options:     map[string]any{"thinking_level": "high"},
	})
	require.NoError(t, err)

	assert.Equal(t, "验证通过", resp.Text)
	assert.Equal(t, 1000, resp.Tokens)
	assert.InDelta(t, 0.002, resp.Cost, 1e-9)

	generation := body["generationConfig"].(map[string]any)
	assert.Equal(t, float64(1000), generation["maxOutputTokens"])
	thinking := generation["thinkingConfig"].(map[string]any)
	assert.Equal(t, "high", thinking["thinkingLevel"])
}

func TestGenerateEstimatesTokensWithoutUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "one two three four five six seven eight nine ten"}]}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 13, resp.Tokens)
	assert.InDelta(t, 13.0/1000*0.002, resp.Cost, 1e-12)
}

func TestGenerateNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), llm.Request{Prompt: "x"})
	require.Error(t, err)
}
