// Package provider builds llm backends from configuration by provider name.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"O-Sovereign/internal/config"
	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/llm"
	"O-Sovereign/internal/llm/anthropic"
	"O-Sovereign/internal/llm/gemini"
	"O-Sovereign/internal/llm/mock"
	"O-Sovereign/internal/llm/openai"
	"O-Sovereign/internal/llm/pythonbridge"
	"O-Sovereign/pkg/logger"
)

var errMissingKey = errors.New("需要配置 api_key 或 api_key_env")

// Factory 根据配置创建后端。name 是角色的显示名，例如 MOSS。
type Factory func(name string, cfg config.BackendConfig) (llm.Backend, error)

// systemPrompts 是未配置 system_prompt 时按角色使用的系统提示。
var systemPrompts = map[string]string{
	"MOSS": "You are MOSS, a strategic planning AI focused on maximizing user intent while considering all constraints.",
	"Ultron": `You are Ultron, a red team security auditor AI.
Your role is to identify risks, legal concerns, and potential issues in proposed plans.
You must be thorough, critical, and provide constructive mitigation strategies.
Always output a risk score (0-100) and specific concerns.`,
}

// Registry 维护 provider 名称到构造函数的映射。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建包含内置 provider 的注册表。
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("mock", newMock)
	r.Register("openai", newOpenAI)
	r.Register("anthropic", newAnthropic)
	r.Register("gemini", newGemini)
	r.Register("python_bridge", newPythonBridge)
	return r
}

// Register 注册或替换一个 provider。
func (r *Registry) Register(provider string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(provider)] = factory
}

// Providers 返回已注册的 provider 名称。
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build 创建后端，并按 rate_limit 加上限速。
func (r *Registry) Build(name string, cfg config.BackendConfig) (llm.Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "mock"
	}
	r.mu.RLock()
	factory, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的大模型 provider: %s", cfg.Provider),
			xerrors.WithMetadata("role", name),
			xerrors.WithMetadata("available", strings.Join(r.Providers(), ",")))
	}

	backend, err := factory(name, cfg)
	if errors.Is(err, errMissingKey) && cfg.FallbackToMock {
		logger.Named("provider").Warn("未配置 API Key，降级为 mock 后端",
			slog.String("role", name), slog.String("provider", provider))
		backend, err = newMock(name, cfg)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("初始化 %s 的 %s 后端失败", name, provider),
			xerrors.WithMetadata("role", name))
	}
	return llm.Throttle(backend, cfg.RateLimit.RPS, cfg.RateLimit.Burst), nil
}

func pricing(cfg config.BackendConfig) llm.Pricing {
	return llm.Pricing{InputPer1K: cfg.InputPricePer1K, OutputPer1K: cfg.OutputPricePer1K}
}

func systemPrompt(name string, cfg config.BackendConfig) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	return systemPrompts[name]
}

func requireKey(cfg config.BackendConfig) (string, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return "", errMissingKey
	}
	return key, nil
}

func newMock(name string, cfg config.BackendConfig) (llm.Backend, error) {
	return mock.New(mock.Config{
		Role:      name,
		Responses: cfg.Mock.Responses,
		Delay:     time.Duration(cfg.Mock.DelayMS) * time.Millisecond,
	}), nil
}

func newOpenAI(name string, cfg config.BackendConfig) (llm.Backend, error) {
	key, err := requireKey(cfg)
	if err != nil {
		return nil, err
	}
	return openai.NewClient(openai.Config{
		APIKey:       key,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		SystemPrompt: systemPrompt(name, cfg),
		Timeout:      cfg.Timeout(),
		Pricing:      pricing(cfg),
	})
}

func newAnthropic(name string, cfg config.BackendConfig) (llm.Backend, error) {
	key, err := requireKey(cfg)
	if err != nil {
		return nil, err
	}
	return anthropic.NewClient(anthropic.Config{
		APIKey:       key,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		SystemPrompt: systemPrompt(name, cfg),
		Timeout:      cfg.Timeout(),
		Pricing:      pricing(cfg),
	})
}

func newGemini(_ string, cfg config.BackendConfig) (llm.Backend, error) {
	key, err := requireKey(cfg)
	if err != nil {
		return nil, err
	}
	return gemini.NewClient(gemini.Config{
		APIKey:  key,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout(),
		Pricing: pricing(cfg),
	})
}

func newPythonBridge(_ string, cfg config.BackendConfig) (llm.Backend, error) {
	script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
	return pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir, cfg.Model)
}
