package llm

import (
	"context"

	xerrors "O-Sovereign/internal/errors"
)

// Request 描述一次文本生成调用。
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	// Options 承载厂商相关的附加参数，例如 thinking_level。
	Options map[string]any
}

// Response 是一次生成调用的结果与用量。
type Response struct {
	Text      string
	Tokens    int
	Cost      float64
	LatencyMS float64
	Metadata  map[string]any
}

// Backend 定义了调用大模型的统一接口。
type Backend interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Pricing 以每千 token 的价格估算一次调用的成本。
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost 根据输入输出 token 数计算成本。
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// OrDefault 在未配置价格时返回 fallback。
func (p Pricing) OrDefault(fallback Pricing) Pricing {
	if p.InputPer1K <= 0 && p.OutputPer1K <= 0 {
		return fallback
	}
	return p
}

// OptionString 读取字符串类型的附加参数。
func (r Request) OptionString(key string) (string, bool) {
	if r.Options == nil {
		return "", false
	}
	value, ok := r.Options[key].(string)
	return value, ok
}

// CodeBackendFailure 表示大模型后端调用失败。
const CodeBackendFailure xerrors.Code = "BACKEND_FAILURE"

func init() {
	xerrors.Register(CodeBackendFailure, xerrors.Attributes{
		Message:   "model backend call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
}
