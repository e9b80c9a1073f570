package pipeline

import (
	"time"

	"O-Sovereign/internal/verdict"
)

// StageResponse 是一次成功的后端调用，记录后不再修改。
type StageResponse struct {
	Role       Role           `json:"role"`
	Text       string         `json:"text"`
	Tokens     int            `json:"tokens"`
	Cost       float64        `json:"cost"`
	LatencyMS  float64        `json:"latency_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// ExecutionLog 记录一次运行的全过程。
// Plan/Verification/Audit/Execution 只保留各角色最近一次响应，
// Ledger 保留本次运行中记录过的全部响应，成本按 Ledger 汇总。
type ExecutionLog struct {
	ID            string           `json:"id"`
	UserInput     string           `json:"user_input"`
	MaxIterations int              `json:"max_iterations"`
	RiskThreshold int              `json:"risk_threshold"`
	Plan          *StageResponse   `json:"plan,omitempty"`
	Verification  *StageResponse   `json:"verification,omitempty"`
	Audit         *StageResponse   `json:"audit,omitempty"`
	Execution     *StageResponse   `json:"execution,omitempty"`
	Verdict       *verdict.Verdict `json:"verdict,omitempty"`
	Accepted      bool             `json:"accepted"`
	FinalOutput   string           `json:"final_output"`
	Success       bool             `json:"success"`
	FailedStage   Role             `json:"failed_stage,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	Iterations    int              `json:"iterations"`
	StartedAt     time.Time        `json:"started_at"`
	Duration      time.Duration    `json:"duration"`
	TotalCost     float64          `json:"total_cost"`
	Ledger        []StageResponse  `json:"ledger"`
}

func newExecutionLog(id, input string, settings Settings) *ExecutionLog {
	return &ExecutionLog{
		ID:            id,
		UserInput:     input,
		MaxIterations: settings.MaxIterations,
		RiskThreshold: settings.RiskThreshold,
		StartedAt:     time.Now().UTC(),
		Ledger:        []StageResponse{},
	}
}

// record 覆盖角色槽位并追加到成本账本。
func (l *ExecutionLog) record(resp StageResponse) {
	l.Ledger = append(l.Ledger, resp)
	slot := resp
	switch resp.Role {
	case RolePlanner:
		l.Plan = &slot
	case RoleVerifier:
		l.Verification = &slot
	case RoleAuditor:
		l.Audit = &slot
	case RoleExecutor:
		l.Execution = &slot
	}
}

// Latest 返回角色最近一次的响应。
func (l *ExecutionLog) Latest(role Role) *StageResponse {
	switch role {
	case RolePlanner:
		return l.Plan
	case RoleVerifier:
		return l.Verification
	case RoleAuditor:
		return l.Audit
	case RoleExecutor:
		return l.Execution
	}
	return nil
}

// LedgerCost 汇总账本中全部响应的成本。
func (l *ExecutionLog) LedgerCost() float64 {
	var total float64
	for _, resp := range l.Ledger {
		total += resp.Cost
	}
	return total
}

// SlotCost 只汇总四个角色槽位的成本，重新规划后会小于 LedgerCost。
func (l *ExecutionLog) SlotCost() float64 {
	var total float64
	for _, role := range Roles() {
		if resp := l.Latest(role); resp != nil {
			total += resp.Cost
		}
	}
	return total
}

// Calls 统计账本中某个角色的调用次数。
func (l *ExecutionLog) Calls(role Role) int {
	n := 0
	for _, resp := range l.Ledger {
		if resp.Role == role {
			n++
		}
	}
	return n
}

func (l *ExecutionLog) finish(start time.Time) {
	l.Duration = time.Since(start)
	l.TotalCost = l.LedgerCost()
}
