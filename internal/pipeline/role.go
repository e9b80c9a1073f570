package pipeline

import (
	"fmt"
	"strings"
)

// Role 是流水线中的固定角色。
type Role string

// 四个角色按执行顺序排列。
const (
	RolePlanner  Role = "planner"
	RoleVerifier Role = "verifier"
	RoleAuditor  Role = "auditor"
	RoleExecutor Role = "executor"
)

var aliases = map[Role]string{
	RolePlanner:  "MOSS",
	RoleVerifier: "L6",
	RoleAuditor:  "Ultron",
	RoleExecutor: "Omega",
}

// Roles 按执行顺序返回全部角色。
func Roles() []Role {
	return []Role{RolePlanner, RoleVerifier, RoleAuditor, RoleExecutor}
}

// Alias 返回角色的显示名，例如 planner 对应 MOSS。
func (r Role) Alias() string {
	if alias, ok := aliases[r]; ok {
		return alias
	}
	return string(r)
}

// ParseRole 接受角色名或显示名，大小写不敏感。
func ParseRole(value string) (Role, error) {
	value = strings.TrimSpace(value)
	for _, role := range Roles() {
		if strings.EqualFold(value, string(role)) || strings.EqualFold(value, role.Alias()) {
			return role, nil
		}
	}
	return "", fmt.Errorf("未知角色: %q", value)
}
