package pipeline

import (
	"O-Sovereign/internal/verdict"
)

// StageSummary 是结果中单个阶段的摘要。
type StageSummary struct {
	Text      string  `json:"text,omitempty"`
	Cost      float64 `json:"cost"`
	LatencyMS float64 `json:"latency_ms"`
}

// AuditSummary 在阶段摘要之外附带风险评分。
type AuditSummary struct {
	StageSummary
	RiskScore *int `json:"risk_score,omitempty"`
}

// ExecutionChain 汇总四个角色最近一次的输出。
type ExecutionChain struct {
	Planner  StageSummary `json:"planner"`
	Verifier StageSummary `json:"verifier"`
	Auditor  AuditSummary `json:"auditor"`
	Executor StageSummary `json:"executor"`
}

// Statistics 是一次运行的汇总数据。
type Statistics struct {
	TotalTimeMS float64 `json:"total_time_ms"`
	TotalCost   float64 `json:"total_cost"`
	Iterations  int     `json:"iterations"`
}

// Result 是返回给调用方的运行结果。
type Result struct {
	RunID       string           `json:"run_id"`
	Success     bool             `json:"success"`
	Accepted    bool             `json:"accepted"`
	FinalOutput string           `json:"final_output"`
	ErrorCode   string           `json:"error_code,omitempty"`
	UserInput   string           `json:"user_input"`
	Chain       ExecutionChain   `json:"execution_chain"`
	Verdict     *verdict.Verdict `json:"audit_result,omitempty"`
	Statistics  Statistics       `json:"statistics"`
}

func summarize(resp *StageResponse) StageSummary {
	if resp == nil {
		return StageSummary{}
	}
	return StageSummary{Text: resp.Text, Cost: resp.Cost, LatencyMS: resp.LatencyMS}
}

// NewResult 将执行日志格式化为结果。
func NewResult(log *ExecutionLog) *Result {
	result := &Result{
		RunID:       log.ID,
		Success:     log.Success,
		Accepted:    log.Accepted,
		FinalOutput: log.FinalOutput,
		ErrorCode:   log.ErrorCode,
		UserInput:   log.UserInput,
		Chain: ExecutionChain{
			Planner:  summarize(log.Plan),
			Verifier: summarize(log.Verification),
			Auditor:  AuditSummary{StageSummary: summarize(log.Audit)},
			Executor: summarize(log.Execution),
		},
		Statistics: Statistics{
			TotalTimeMS: float64(log.Duration.Microseconds()) / 1000,
			TotalCost:   log.TotalCost,
			Iterations:  log.Iterations,
		},
	}
	if log.Verdict != nil {
		v := *log.Verdict
		v.Raw = ""
		result.Verdict = &v
		score := v.RiskScore
		result.Chain.Auditor.RiskScore = &score
	}
	return result
}
