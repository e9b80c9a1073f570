package pipeline

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"O-Sovereign/internal/verdict"
)

func TestHistoryRetentionKeepsCounts(t *testing.T) {
	h := NewHistory(2)
	for i := 0; i < 4; i++ {
		h.Append(&ExecutionLog{ID: fmt.Sprintf("r%d", i), Success: i%2 == 0})
	}
	h.Append(nil)

	total, successful := h.Counts()
	assert.Equal(t, 4, total)
	assert.Equal(t, 2, successful)

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].ID)
	assert.Equal(t, "r2", recent[1].ID)

	_, ok := h.Get("r0")
	assert.False(t, ok)
	_, ok = h.Get("r3")
	assert.True(t, ok)

	h.Clear()
	total, _ = h.Counts()
	assert.Zero(t, total)
}

func TestRecordOverwritesSlotsButKeepsLedger(t *testing.T) {
	log := newExecutionLog("id", "input", DefaultSettings())
	log.record(StageResponse{Role: RolePlanner, Text: "a", Cost: 1})
	log.record(StageResponse{Role: RolePlanner, Text: "b", Cost: 2})

	assert.Equal(t, "b", log.Latest(RolePlanner).Text)
	assert.Nil(t, log.Latest(RoleExecutor))
	assert.Equal(t, 2, log.Calls(RolePlanner))
	assert.InDelta(t, 3.0, log.LedgerCost(), 1e-12)
	assert.InDelta(t, 2.0, log.SlotCost(), 1e-12)

	log.finish(time.Now().Add(-time.Second))
	assert.InDelta(t, 3.0, log.TotalCost, 1e-12)
	assert.GreaterOrEqual(t, log.Duration, time.Second)
}

func TestNewResultShape(t *testing.T) {
	log := newExecutionLog("run", "input", DefaultSettings())
	log.record(StageResponse{Role: RolePlanner, Text: "plan", Cost: 0.5, LatencyMS: 12})
	log.Verdict = &verdict.Verdict{RiskScore: 20, IsSafe: true, Raw: "RISK_SCORE: 20", LegalRisks: []string{}}
	log.Iterations = 1
	log.Success = true
	log.Accepted = true
	log.FinalOutput = "out"
	log.Duration = 1500 * time.Millisecond
	log.TotalCost = 0.5

	result := NewResult(log)
	assert.Equal(t, "plan", result.Chain.Planner.Text)
	assert.Empty(t, result.Chain.Executor.Text)
	require.NotNil(t, result.Chain.Auditor.RiskScore)
	assert.Equal(t, 20, *result.Chain.Auditor.RiskScore)
	assert.InDelta(t, 1500.0, result.Statistics.TotalTimeMS, 1e-9)
	assert.Empty(t, result.Verdict.Raw)
	assert.Equal(t, "RISK_SCORE: 20", log.Verdict.Raw)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "execution_chain")
	assert.Contains(t, decoded, "audit_result")
	assert.Contains(t, decoded, "statistics")
}

func TestParseRole(t *testing.T) {
	for input, want := range map[string]Role{"planner": RolePlanner, "moss": RolePlanner, "L6": RoleVerifier, "ULTRON": RoleAuditor, " omega ": RoleExecutor} {
		got, err := ParseRole(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}
	_, err := ParseRole("jarvis")
	assert.Error(t, err)
	assert.Equal(t, "Ultron", RoleAuditor.Alias())
	assert.Equal(t, []Role{RolePlanner, RoleVerifier, RoleAuditor, RoleExecutor}, Roles())
}
