// Package mock 提供无需网络的模拟后端，用于演示与测试。
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"O-Sovereign/internal/llm"
)

const echoPrefixRunes = 50

// Config 控制模拟后端的行为。
type Config struct {
	// Role 出现在回显文本中，例如 MOSS。
	Role string
	// Responses 非空时按顺序循环返回，否则回显提示词。
	Responses []string
	// Err 非空时每次调用都返回该错误。
	Err error
	// Delay 模拟网络延迟。
	Delay time.Duration
}

// Backend 是确定性的模拟大模型。
type Backend struct {
	cfg Config

	mu      sync.Mutex
	next    int
	prompts []string
}

// New 创建模拟后端。
func New(cfg Config) *Backend {
	if cfg.Role == "" {
		cfg.Role = "Unknown"
	}
	return &Backend{cfg: cfg}
}

// Generate 实现 llm.Backend。
func (b *Backend) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	if b.cfg.Delay > 0 {
		timer := time.NewTimer(b.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	b.mu.Lock()
	b.prompts = append(b.prompts, req.Prompt)
	text := ""
	if len(b.cfg.Responses) > 0 {
		text = b.cfg.Responses[b.next%len(b.cfg.Responses)]
		b.next++
	}
	b.mu.Unlock()

	if b.cfg.Err != nil {
		return nil, b.cfg.Err
	}
	if text == "" {
		text = "[" + b.cfg.Role + " Mock Response] Processed: " + truncate(req.Prompt, echoPrefixRunes) + "..."
	}

	tokens := len(strings.Fields(text))
	return &llm.Response{
		Text:      text,
		Tokens:    tokens,
		Cost:      float64(tokens) * 0.00001,
		LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
		Metadata: map[string]any{
			"model":   "mock-" + strings.ToLower(b.cfg.Role),
			"is_mock": true,
		},
	}, nil
}

// Prompts 返回已收到的提示词副本。
func (b *Backend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.prompts))
	copy(out, b.prompts)
	return out
}

// Calls 返回调用次数。
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
