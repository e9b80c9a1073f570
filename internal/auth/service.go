package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"O-Sovereign/internal/config"
	"O-Sovereign/pkg/logger"
)

// Service 校验静态访问令牌并给出对应的主体。
type Service struct {
	enabled bool
	tokens  []tokenEntry
	audit   *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 根据配置构建认证服务，未启用时返回放行所有请求的服务。
func NewService(cfg config.AuthConfig) (*Service, error) {
	svc := &Service{enabled: cfg.Enabled, audit: logger.Audit()}
	if !cfg.Enabled {
		return svc, nil
	}
	for i, tc := range cfg.Tokens {
		token := tc.ResolveToken()
		name := tc.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		if token == "" {
			return nil, fmt.Errorf("访问令牌 %s 为空", name)
		}
		perms := tc.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionRunsRead}
		}
		svc.tokens = append(svc.tokens, tokenEntry{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: name, Permissions: append([]string(nil), perms...)},
		})
	}
	if len(svc.tokens) == 0 {
		return nil, fmt.Errorf("认证已启用但未配置任何令牌")
	}
	return svc, nil
}

// Enabled 表示是否校验令牌。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *tokenEntry
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			matched = &s.tokens[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	subject := &Subject{
		Name:        matched.subject.Name,
		Permissions: append([]string(nil), matched.subject.Permissions...),
	}
	subject.normalise()
	return subject, nil
}
