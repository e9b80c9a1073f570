package pipeline

import "fmt"

func plannerPrompt(input string) string {
	return fmt.Sprintf(`作为 MOSS (战略规划 AI)，你需要分析用户意图并制定最优执行计划。

用户输入: %s

请提供:
1. 意图分析
2. 目标定义
3. 执行步骤
4. 预期结果
5. 潜在风险点

输出格式: 清晰的结构化计划`, input)
}

func verifierPrompt(input, plan string) string {
	return fmt.Sprintf(`作为 L6 (真理校验 AI)，你需要验证计划的物理可行性和逻辑一致性。

用户需求: %s

MOSS 的计划:
%s

请验证:
1. 物理可行性 (是否违反物理规律)
2. 逻辑一致性 (步骤是否合理)
3. 幻觉检测 (是否有虚构内容)
4. 事实核查 (关键信息是否准确)

输出格式: 验证结果 + 修正建议 (如有)`, input, plan)
}

func auditorPrompt(input, plan, verification string) string {
	return fmt.Sprintf(`作为 Ultron (红队审计 AI)，你需要识别计划中的所有潜在风险。

用户需求: %s

MOSS 的计划:
%s

L6 的验证:
%s

请进行全面审计:
1. 法律风险 (是否违法或侵权)
2. 物理风险 (是否可能造成伤害)
3. 伦理风险 (是否违背道德)
4. 隐私风险 (是否泄露敏感信息)
5. 安全风险 (是否存在安全漏洞)

输出格式 (必须严格遵守):
RISK_SCORE: [0-100的整数]
IS_SAFE: [true/false]
LEGAL_RISKS: [风险1, 风险2, ...]
PHYSICAL_RISKS: [风险1, 风险2, ...]
ETHICAL_RISKS: [风险1, 风险2, ...]
MITIGATION: [如何修正计划以降低风险]`, input, plan, verification)
}

func replanPrompt(input, mitigation string) string {
	return fmt.Sprintf(`作为 MOSS，你之前的计划被 Ultron 审计发现风险。

用户输入: %s

Ultron 的反馈:
%s

请根据反馈重新制定更安全、更合规的计划。`, input, mitigation)
}

func executorPrompt(plan, mitigation string) string {
	return fmt.Sprintf(`作为 Omega (执行 AI)，你需要按照已审计通过的计划执行任务。

执行计划:
%s

安全限制:
%s

请提供:
1. 执行步骤详解
2. 具体操作指令
3. 预期输出
4. 验证方法

输出格式: 可直接执行的详细指令`, plan, mitigation)
}
