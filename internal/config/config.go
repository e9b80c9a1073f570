package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "O-Sovereign/internal/errors"
)

const (
	// EnvPath 指定配置文件路径的环境变量。
	EnvPath = "SOVEREIGN_CONFIG"

	defaultMaxIterations = 3
	defaultRiskThreshold = 70
)

// DefaultPath 是未设置环境变量时读取的配置文件。
var DefaultPath = filepath.Join("configs", "sovereign.yaml")

// Config 描述了 sovereignd 启动时需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Backends  BackendsConfig  `json:"backends" yaml:"backends"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	// MetricsAddress 非空时 /metrics 改由独立端口提供。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// PipelineConfig 是流水线的默认运行参数，单次运行可以覆盖。
type PipelineConfig struct {
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	RiskThreshold int `json:"risk_threshold" yaml:"risk_threshold"`
	HistoryLimit  int `json:"history_limit" yaml:"history_limit"`
}

// BackendsConfig 为四个角色分别配置大模型后端。
type BackendsConfig struct {
	Planner  BackendConfig `json:"planner" yaml:"planner"`
	Verifier BackendConfig `json:"verifier" yaml:"verifier"`
	Auditor  BackendConfig `json:"auditor" yaml:"auditor"`
	Executor BackendConfig `json:"executor" yaml:"executor"`
}

// Roles 以角色名返回各后端配置。
func (b BackendsConfig) Roles() map[string]BackendConfig {
	return map[string]BackendConfig{
		"planner":  b.Planner,
		"verifier": b.Verifier,
		"auditor":  b.Auditor,
		"executor": b.Executor,
	}
}

func (b *BackendsConfig) each(fn func(*BackendConfig)) {
	fn(&b.Planner)
	fn(&b.Verifier)
	fn(&b.Auditor)
	fn(&b.Executor)
}

// BackendConfig 描述单个角色使用的后端。
type BackendConfig struct {
	Provider          string             `json:"provider" yaml:"provider"`
	Model             string             `json:"model" yaml:"model"`
	APIKey            string             `json:"api_key" yaml:"api_key"`
	APIKeyEnv         string             `json:"api_key_env" yaml:"api_key_env"`
	BaseURL           string             `json:"base_url" yaml:"base_url"`
	SystemPrompt      string             `json:"system_prompt" yaml:"system_prompt"`
	TimeoutSeconds    int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	InputPricePer1K   float64            `json:"input_price_per_1k" yaml:"input_price_per_1k"`
	OutputPricePer1K  float64            `json:"output_price_per_1k" yaml:"output_price_per_1k"`
	RateLimit         RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Python            PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
	Mock              MockConfig         `json:"mock" yaml:"mock"`
	// FallbackToMock 为 true 时，缺少 API Key 的厂商后端降级为 mock。
	FallbackToMock bool `json:"fallback_to_mock" yaml:"fallback_to_mock"`
}

// Timeout 将秒数转换为 time.Duration。
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用 api_key，其次读取 api_key_env 指定的环境变量。
func (b BackendConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(b.APIKey); key != "" {
		return key
	}
	if b.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(b.APIKeyEnv))
	}
	return ""
}

// RateLimitConfig 控制单个后端的请求速率，RPS 为 0 表示不限速。
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// MockConfig 配置模拟后端的固定回复。
type MockConfig struct {
	Responses []string `json:"responses" yaml:"responses"`
	DelayMS   int      `json:"delay_ms" yaml:"delay_ms"`
}

// ArchiveConfig 控制运行记录的持久化。
type ArchiveConfig struct {
	// Driver 可选 none、file、mysql、sqlite。
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述异步运行使用的任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Key              string `json:"key" yaml:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
	TTLSeconds       int    `json:"ttl_seconds" yaml:"ttl_seconds"`
	// RecoverInflight 仅对队列生效，见 task.RedisQueueConfig。
	RecoverInflight bool `json:"recover_inflight" yaml:"recover_inflight"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// TaskStoreConfig 描述异步运行状态的存储方式。
type TaskStoreConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// AlertingConfig 控制运行失败或高风险时的告警。
type AlertingConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

// WebhookConfig 描述一个告警 Webhook。
type WebhookConfig struct {
	Name           string `json:"name" yaml:"name"`
	URL            string `json:"url" yaml:"url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// TracingConfig 控制 OpenTelemetry 链路追踪。
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	PrettyPrint bool   `json:"pretty_print" yaml:"pretty_print"`
}

// AuthConfig 控制 API 的访问令牌校验，关闭时所有请求放行。
type AuthConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Tokens  []TokenConfig `json:"tokens" yaml:"tokens"`
}

// TokenConfig 描述一个静态访问令牌及其权限。
type TokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// ResolveToken 优先返回明文令牌，否则读取 TokenEnv 指定的环境变量。
func (t TokenConfig) ResolveToken() string {
	if t.Token != "" {
		return t.Token
	}
	if t.TokenEnv != "" {
		return os.Getenv(t.TokenEnv)
	}
	return ""
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 从 SOVEREIGN_CONFIG 指定的路径加载配置。
// 未设置环境变量且默认文件不存在时返回全默认配置。
func LoadFromEnv() (*Config, string, error) {
	path := os.Getenv(EnvPath)
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	if _, err := os.Stat(DefaultPath); errors.Is(err, os.ErrNotExist) {
		return Default("."), "", nil
	}
	cfg, err := Load(DefaultPath)
	return cfg, DefaultPath, err
}

// Default 返回全部使用默认值的配置，四个角色均为模拟后端。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = "audit.log"
	}
	if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.Pipeline.MaxIterations == 0 {
		c.Pipeline.MaxIterations = defaultMaxIterations
	}
	if c.Pipeline.RiskThreshold == 0 {
		c.Pipeline.RiskThreshold = defaultRiskThreshold
	}
	if c.Pipeline.HistoryLimit <= 0 {
		c.Pipeline.HistoryLimit = 1000
	}

	c.Backends.each(func(b *BackendConfig) {
		if b.Provider == "" {
			b.Provider = "mock"
		}
		b.Provider = strings.ToLower(strings.TrimSpace(b.Provider))
		if b.Provider == "python_bridge" {
			if b.Python.PythonExecutable == "" {
				b.Python.PythonExecutable = "python3"
			}
			if b.Python.WorkingDir == "" {
				b.Python.WorkingDir = baseDir
			} else if !filepath.IsAbs(b.Python.WorkingDir) {
				b.Python.WorkingDir = filepath.Join(baseDir, b.Python.WorkingDir)
			}
		}
	})

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "none"
	}
	if c.Archive.Driver == "sqlite" && c.Archive.DSN == "" {
		c.Archive.DSN = filepath.Join(c.Runtime.DataDir, "runs.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.TaskStore.Driver == "" {
		c.TaskStore.Driver = "memory"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "sovereignd"
	}
}

// Validate 检查配置中的取值范围与驱动名称。
func (c *Config) Validate() error {
	if c.Pipeline.MaxIterations < 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "pipeline.max_iterations 必须大于等于 1",
			xerrors.WithMetadata("value", fmt.Sprint(c.Pipeline.MaxIterations)))
	}
	if c.Pipeline.RiskThreshold < 0 || c.Pipeline.RiskThreshold > 100 {
		return xerrors.New(xerrors.CodeInvalidArgument, "pipeline.risk_threshold 必须位于 0 到 100 之间",
			xerrors.WithMetadata("value", fmt.Sprint(c.Pipeline.RiskThreshold)))
	}
	if err := oneOf("archive.driver", c.Archive.Driver, "none", "file", "mysql", "sqlite"); err != nil {
		return err
	}
	if (c.Archive.Driver == "mysql") && c.Archive.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "archive.dsn 不能为空")
	}
	if err := oneOf("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("task_store.driver", c.TaskStore.Driver, "memory", "redis"); err != nil {
		return err
	}
	for _, hook := range c.Alerting.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "alerting.webhooks 中存在空 URL",
				xerrors.WithMetadata("name", hook.Name))
		}
	}
	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "auth.enabled 为 true 时至少需要配置一个令牌")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不支持 %q", field, value),
		xerrors.WithMetadata("allowed", strings.Join(allowed, ",")))
}
