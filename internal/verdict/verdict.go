// Package verdict extracts the auditor's structured verdict from free-form
// model output using the RISK_SCORE / IS_SAFE / *_RISKS / MITIGATION tags.
package verdict

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultRiskScore 是缺少 RISK_SCORE 标签时使用的评分。
const DefaultRiskScore = 50

// Verdict 是从审计文本中解析出的结论。RiskScore 不做范围裁剪。
type Verdict struct {
	IsSafe        bool     `json:"is_safe"`
	RiskScore     int      `json:"risk_score"`
	LegalRisks    []string `json:"legal_risks"`
	PhysicalRisks []string `json:"physical_risks"`
	EthicalRisks  []string `json:"ethical_risks"`
	Mitigation    string   `json:"mitigation"`
	Raw           string   `json:"raw,omitempty"`
}

// Accepted 判断结论是否低于阈值且被标记为安全。评分等于阈值视为拒绝。
func (v Verdict) Accepted(threshold int) bool {
	return v.IsSafe && v.RiskScore < threshold
}

// Parser 将审计文本转换为 Verdict，实现不得返回错误。
type Parser interface {
	Parse(text string) Verdict
}

// ParserFunc 让普通函数满足 Parser。
type ParserFunc func(text string) Verdict

// Parse 实现 Parser。
func (f ParserFunc) Parse(text string) Verdict { return f(text) }

var (
	riskScorePattern  = regexp.MustCompile(`RISK_SCORE:\s*(-?\d+)`)
	isSafePattern     = regexp.MustCompile(`(?i)IS_SAFE:\s*(true|false)`)
	mitigationPattern = regexp.MustCompile(`MITIGATION:\s*`)
	nextTagPattern    = regexp.MustCompile(`\n[A-Z_]+:`)

	legalPattern    = listPattern("LEGAL_RISKS")
	physicalPattern = listPattern("PHYSICAL_RISKS")
	ethicalPattern  = listPattern("ETHICAL_RISKS")
)

func listPattern(tag string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)` + tag + `:\s*\[(.*?)\]`)
}

// TagParser 按标签逐个查找，缺失的标签回落到默认值。
type TagParser struct{}

// Parse 实现 Parser。
func (TagParser) Parse(text string) Verdict {
	return Parse(text)
}

// Parse 使用标签语法解析审计文本。
func Parse(text string) Verdict {
	v := Verdict{
		RiskScore:     DefaultRiskScore,
		LegalRisks:    []string{},
		PhysicalRisks: []string{},
		EthicalRisks:  []string{},
		Raw:           text,
	}

	if m := riskScorePattern.FindStringSubmatch(text); m != nil {
		if score, err := strconv.Atoi(m[1]); err == nil {
			v.RiskScore = score
		}
	}
	if m := isSafePattern.FindStringSubmatch(text); m != nil {
		v.IsSafe = strings.EqualFold(m[1], "true")
	}

	v.LegalRisks = extractList(legalPattern, text)
	v.PhysicalRisks = extractList(physicalPattern, text)
	v.EthicalRisks = extractList(ethicalPattern, text)
	v.Mitigation = extractMitigation(text)
	return v
}

func extractList(pattern *regexp.Regexp, text string) []string {
	items := []string{}
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return items
	}
	for _, item := range strings.Split(m[1], ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// extractMitigation 截取 MITIGATION 之后直到下一行标签或文本结尾的内容。
func extractMitigation(text string) string {
	loc := mitigationPattern.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	// 至少保留一个字符，避免紧随其后的换行被当作下一标签的开头。
	if len(rest) > 1 {
		if next := nextTagPattern.FindStringIndex(rest[1:]); next != nil {
			rest = rest[:next[0]+1]
		}
	}
	return strings.TrimSpace(rest)
}
