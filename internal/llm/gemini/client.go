package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"O-Sovereign/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelName = "gemini-pro"
	defaultTimeout   = 60 * time.Second
)

// DefaultPricing 按每百万 token 2 美元估算。
var DefaultPricing = llm.Pricing{InputPer1K: 0.002, OutputPer1K: 0.002}

// Config 描述了调用 Gemini generateContent 接口所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Pricing llm.Pricing
}

// Client 通过 REST 调用 Google Gemini。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	pricing    llm.Pricing
	httpClient *http.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		pricing:    cfg.Pricing.OrDefault(DefaultPricing),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	PromptFeedback map[string]any `json:"promptFeedback,omitempty"`
}

// Generate 调用 Gemini 生成文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}

	start := time.Now()
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Gemini 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Gemini 响应失败: %w", err)
	}
	if len(decoded.Candidates) == 0 {
		return nil, errors.New("Gemini 响应中没有候选结果")
	}

	var text strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, errors.New("Gemini 响应内容为空")
	}

	tokens, cost := c.usage(decoded, text.String())
	metadata := map[string]any{
		"model":         c.model,
		"finish_reason": decoded.Candidates[0].FinishReason,
	}
	if len(decoded.PromptFeedback) > 0 {
		metadata["safety_ratings"] = decoded.PromptFeedback
	}
	return &llm.Response{
		Text:      text.String(),
		Tokens:    tokens,
		Cost:      cost,
		LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
		Metadata:  metadata,
	}, nil
}

func (c *Client) buildPayload(req llm.Request) map[string]any {
	generation := map[string]any{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		generation["maxOutputTokens"] = req.MaxTokens
	}
	if strings.Contains(strings.ToLower(c.model), "gemini-3") {
		level, ok := req.OptionString("thinking_level")
		if !ok || level == "" {
			level = "high"
		}
		generation["thinkingConfig"] = map[string]any{"thinkingLevel": level}
	}
	return map[string]any{
		"contents":         []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		"generationConfig": generation,
	}
}

// usage 在接口未返回用量时按词数估算 token。
func (c *Client) usage(decoded generateResponse, text string) (int, float64) {
	if u := decoded.UsageMetadata; u != nil && (u.TotalTokenCount > 0 || u.CandidatesTokenCount > 0) {
		total := u.TotalTokenCount
		if total == 0 {
			total = u.PromptTokenCount + u.CandidatesTokenCount
		}
		return total, c.pricing.Cost(u.PromptTokenCount, u.CandidatesTokenCount)
	}
	estimated := int(float64(len(strings.Fields(text))) * 1.3)
	return estimated, c.pricing.Cost(0, estimated)
}
