package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// UsageCounters 是单个后端的累计用量。
type UsageCounters struct {
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCost       float64 `json:"total_cost"`
	TotalLatencyMS  float64 `json:"total_latency_ms"`
}

// AverageLatencyMS 返回平均每次调用的耗时。
func (c UsageCounters) AverageLatencyMS() float64 {
	if c.TotalCalls == 0 {
		return 0
	}
	return c.TotalLatencyMS / float64(c.TotalCalls)
}

// UsageTracker 记录一个后端的调用统计，可并发使用。
type UsageTracker struct {
	mu       sync.Mutex
	counters UsageCounters
}

// NewUsageTracker 创建一个计数为零的统计器。
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Record 在每次调用尝试之后更新统计。失败时 tokens 与 cost 按 0 计。
func (t *UsageTracker) Record(tokens int, cost, latencyMS float64, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters.TotalCalls++
	t.counters.TotalLatencyMS += latencyMS
	if !success {
		t.counters.FailedCalls++
		return
	}
	t.counters.SuccessfulCalls++
	t.counters.TotalTokens += int64(tokens)
	t.counters.TotalCost += cost
}

// Snapshot 返回当前计数的副本。
func (t *UsageTracker) Snapshot() UsageCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Reset 将全部计数清零，统计器本身保持不变。
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = UsageCounters{}
}

// Tracked 包装一个后端，并在每次调用后写入自己的 UsageTracker。
type Tracked struct {
	name    string
	backend Backend
	usage   *UsageTracker
}

// Track 为后端绑定一个新的统计器。
func Track(name string, backend Backend) *Tracked {
	return &Tracked{name: name, backend: backend, usage: NewUsageTracker()}
}

// Name 返回后端的 provider 名称。
func (t *Tracked) Name() string {
	return t.name
}

// Usage 返回绑定的统计器。
func (t *Tracked) Usage() *UsageTracker {
	return t.usage
}

// Generate 调用底层后端并记录用量。
func (t *Tracked) Generate(ctx context.Context, req Request) (*Response, error) {
	if t == nil || t.backend == nil {
		return nil, errors.New("后端未配置")
	}
	start := time.Now()
	resp, err := t.backend.Generate(ctx, req)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	if err == nil && resp == nil {
		err = errors.New("后端返回了空响应")
	}
	if err != nil {
		t.usage.Record(0, 0, elapsed, false)
		return nil, err
	}
	if resp.LatencyMS <= 0 {
		resp.LatencyMS = elapsed
	}
	t.usage.Record(resp.Tokens, resp.Cost, resp.LatencyMS, true)
	return resp, nil
}
