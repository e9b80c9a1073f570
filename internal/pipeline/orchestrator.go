package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/llm"
	"O-Sovereign/internal/observability/alerting"
	"O-Sovereign/internal/observability/metrics"
	"O-Sovereign/internal/verdict"
	"O-Sovereign/pkg/logger"
)

const tracerName = "O-Sovereign/internal/pipeline"

// ErrNotReady 表示至少一个角色尚未配置后端。
var ErrNotReady = xerrors.New(xerrors.CodeNotReady, "pipeline backends are not fully assigned")

// Backends 是四个角色各自使用的后端。
type Backends struct {
	Planner  llm.Backend
	Verifier llm.Backend
	Auditor  llm.Backend
	Executor llm.Backend
}

// Settings 是单次运行的参数。
type Settings struct {
	MaxIterations int `json:"max_iterations"`
	RiskThreshold int `json:"risk_threshold"`
}

// DefaultSettings 返回默认运行参数。
func DefaultSettings() Settings {
	return Settings{MaxIterations: 3, RiskThreshold: 70}
}

// Validate 校验运行参数。
func (s Settings) Validate() error {
	if s.MaxIterations < 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "max_iterations 必须大于等于 1",
			xerrors.WithMetadata("max_iterations", strconv.Itoa(s.MaxIterations)))
	}
	if s.RiskThreshold < 0 || s.RiskThreshold > 100 {
		return xerrors.New(xerrors.CodeInvalidArgument, "risk_threshold 必须位于 0 到 100 之间",
			xerrors.WithMetadata("risk_threshold", strconv.Itoa(s.RiskThreshold)))
	}
	return nil
}

// Archiver 持久化已完成的运行。失败只记录日志，不影响运行结果。
type Archiver interface {
	Archive(ctx context.Context, log *ExecutionLog) error
}

// Stats 是各角色后端的累计用量与运行计数。
type Stats struct {
	Planner              llm.UsageCounters `json:"planner"`
	Verifier             llm.UsageCounters `json:"verifier"`
	Auditor              llm.UsageCounters `json:"auditor"`
	Executor             llm.UsageCounters `json:"executor"`
	TotalExecutions      int               `json:"total_executions"`
	SuccessfulExecutions int               `json:"successful_executions"`
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithSettings 设置默认运行参数。
func WithSettings(settings Settings) Option {
	return func(o *Orchestrator) {
		o.settings = settings
	}
}

// WithParser 替换审计结论解析器。
func WithParser(parser verdict.Parser) Option {
	return func(o *Orchestrator) {
		if parser != nil {
			o.parser = parser
		}
	}
}

// WithArchiver 设置运行归档。
func WithArchiver(archiver Archiver) Option {
	return func(o *Orchestrator) {
		o.archiver = archiver
	}
}

// WithAlertDispatcher 设置失败或高风险运行的告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithHistory 使用外部提供的运行历史。
func WithHistory(history *History) Option {
	return func(o *Orchestrator) {
		if history != nil {
			o.history = history
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer 指定链路追踪使用的 Tracer，默认取全局 TracerProvider。
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithIDGenerator 替换运行 ID 生成函数。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// RunOption 仅对单次运行生效，不修改共享的 Orchestrator。
type RunOption func(*Settings)

// WithMaxIterations 覆盖本次运行的最大审计次数。
func WithMaxIterations(n int) RunOption {
	return func(s *Settings) { s.MaxIterations = n }
}

// WithRiskThreshold 覆盖本次运行的风险阈值。
func WithRiskThreshold(threshold int) RunOption {
	return func(s *Settings) { s.RiskThreshold = threshold }
}

// Orchestrator 驱动 规划 → 校验 → 审计(可回退重新规划) → 执行 的流水线。
// 同一实例可被多个运行并发使用。
type Orchestrator struct {
	mu       sync.RWMutex
	backends map[Role]*llm.Tracked

	settings Settings
	parser   verdict.Parser
	history  *History
	archiver Archiver
	alerts   alerting.Dispatcher
	logger   *slog.Logger
	tracer   trace.Tracer
	newID    func() string
}

// New 创建 Orchestrator。Backends 中为 nil 的角色可以稍后通过 Assign 补齐。
func New(backends Backends, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends: make(map[Role]*llm.Tracked, 4),
		settings: DefaultSettings(),
		parser:   verdict.TagParser{},
		history:  NewHistory(0),
		logger:   logger.Named("pipeline"),
		tracer:   otel.Tracer(tracerName),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.Assign(RolePlanner, backends.Planner)
	o.Assign(RoleVerifier, backends.Verifier)
	o.Assign(RoleAuditor, backends.Auditor)
	o.Assign(RoleExecutor, backends.Executor)
	return o
}

// Assign 为角色设置后端，并为其绑定新的用量统计。backend 为 nil 时移除该角色。
func (o *Orchestrator) Assign(role Role, backend llm.Backend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if backend == nil {
		delete(o.backends, role)
		return
	}
	o.backends[role] = llm.Track(role.Alias(), backend)
}

// Readiness 返回每个角色是否已配置后端。
func (o *Orchestrator) Readiness() map[Role]bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[Role]bool, 4)
	for _, role := range Roles() {
		_, ok := o.backends[role]
		out[role] = ok
	}
	return out
}

// Ready 判断四个角色是否都已配置后端。
func (o *Orchestrator) Ready() bool {
	for _, ok := range o.Readiness() {
		if !ok {
			return false
		}
	}
	return true
}

// Settings 返回默认运行参数。
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// History 返回运行历史。
func (o *Orchestrator) History() *History {
	return o.history
}

func (o *Orchestrator) snapshot() (map[Role]*llm.Tracked, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[Role]*llm.Tracked, 4)
	for _, role := range Roles() {
		tracked, ok := o.backends[role]
		if !ok {
			return nil, xerrors.Wrap(xerrors.CodeNotReady, ErrNotReady, "角色 "+role.Alias()+" 未配置后端",
				xerrors.WithMetadata("role", string(role)))
		}
		out[role] = tracked
	}
	return out, nil
}

// Execute 执行一次完整运行。
// 仅在配置错误时返回 error：后端未就绪或参数非法；后端调用失败体现在 Result.Success 中。
func (o *Orchestrator) Execute(ctx context.Context, input string, opts ...RunOption) (*Result, error) {
	settings := o.settings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	backends, err := o.snapshot()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	run := newExecutionLog(o.newID(), input, settings)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.max_iterations", settings.MaxIterations),
		attribute.Int("run.risk_threshold", settings.RiskThreshold),
	))
	defer span.End()

	if err := o.run(ctx, run, backends, settings); err != nil {
		o.fail(run, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, run.FinalOutput)
	}
	run.finish(start)

	span.SetAttributes(
		attribute.Bool("run.success", run.Success),
		attribute.Bool("run.accepted", run.Accepted),
		attribute.Int("run.iterations", run.Iterations),
		attribute.Float64("run.total_cost", run.TotalCost),
	)

	o.history.Append(run)
	o.afterRun(ctx, run)
	return NewResult(run), nil
}

func (o *Orchestrator) run(ctx context.Context, run *ExecutionLog, b map[Role]*llm.Tracked, settings Settings) error {
	input := run.UserInput

	plan, err := o.stage(ctx, run, RolePlanner, b[RolePlanner], plannerPrompt(input))
	if err != nil {
		return err
	}
	verification, err := o.stage(ctx, run, RoleVerifier, b[RoleVerifier], verifierPrompt(input, plan.Text))
	if err != nil {
		return err
	}

	var current verdict.Verdict
	for iteration := 1; iteration <= settings.MaxIterations; iteration++ {
		run.Iterations = iteration

		audit, err := o.stage(ctx, run, RoleAuditor, b[RoleAuditor], auditorPrompt(input, plan.Text, verification.Text))
		if err != nil {
			return err
		}
		current = o.parser.Parse(audit.Text)
		parsed := current
		run.Verdict = &parsed

		if current.Accepted(settings.RiskThreshold) {
			run.Accepted = true
			o.logger.Debug("审计通过",
				slog.String("run_id", run.ID),
				slog.Int("iteration", iteration),
				slog.Int("risk_score", current.RiskScore))
			break
		}
		if iteration == settings.MaxIterations {
			o.logger.Warn("达到最大迭代次数，使用最后方案执行",
				slog.String("run_id", run.ID),
				slog.Int("risk_score", current.RiskScore),
				slog.Int("risk_threshold", settings.RiskThreshold))
			break
		}

		o.logger.Debug("风险过高，回退重新规划",
			slog.String("run_id", run.ID),
			slog.Int("iteration", iteration),
			slog.Int("risk_score", current.RiskScore),
			slog.Bool("is_safe", current.IsSafe))

		plan, err = o.stage(ctx, run, RolePlanner, b[RolePlanner], replanPrompt(input, current.Mitigation))
		if err != nil {
			return err
		}
		verification, err = o.stage(ctx, run, RoleVerifier, b[RoleVerifier], verifierPrompt(input, plan.Text))
		if err != nil {
			return err
		}
	}

	execution, err := o.stage(ctx, run, RoleExecutor, b[RoleExecutor], executorPrompt(plan.Text, current.Mitigation))
	if err != nil {
		return err
	}
	run.Success = true
	run.FinalOutput = execution.Text
	return nil
}

func stageRequest(role Role, prompt string) llm.Request {
	req := llm.Request{Prompt: prompt, MaxTokens: 1500, Temperature: 0.7}
	switch role {
	case RoleVerifier:
		req.MaxTokens = 1000
		req.Temperature = 0.3
		req.Options = map[string]any{"thinking_level": "high"}
	case RoleAuditor:
		req.Temperature = 0.5
	}
	return req
}

func (o *Orchestrator) stage(ctx context.Context, run *ExecutionLog, role Role, backend llm.Backend, prompt string) (*StageResponse, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.role", string(role)),
		attribute.String("stage.alias", role.Alias()),
		attribute.Int("run.iteration", run.Iterations),
	))
	defer span.End()

	req := stageRequest(role, prompt)
	started := time.Now()
	resp, err := backend.Generate(ctx, req)
	elapsed := time.Since(started)
	if err == nil && resp == nil {
		err = stdErrors.New("后端返回了空响应")
	}
	if err != nil {
		code := llm.CodeBackendFailure
		if stdErrors.Is(err, context.DeadlineExceeded) {
			code = xerrors.CodeTimeout
		}
		metrics.ObserveStage(string(role), false, 0, 0, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("阶段调用失败",
			slog.String("run_id", run.ID),
			slog.String("stage", string(role)),
			slog.Any("error", err))
		return nil, xerrors.Wrap(code, err, role.Alias()+" 调用失败",
			xerrors.WithMetadata("stage", string(role)))
	}

	latency := resp.LatencyMS
	if latency <= 0 {
		latency = float64(elapsed) / float64(time.Millisecond)
	}
	recorded := StageResponse{
		Role:       role,
		Text:       resp.Text,
		Tokens:     resp.Tokens,
		Cost:       resp.Cost,
		LatencyMS:  latency,
		Metadata:   resp.Metadata,
		CapturedAt: time.Now().UTC(),
	}
	run.record(recorded)

	metrics.ObserveStage(string(role), true, recorded.Tokens, recorded.Cost, elapsed)
	span.SetAttributes(
		attribute.Int("stage.tokens", recorded.Tokens),
		attribute.Float64("stage.cost", recorded.Cost),
	)
	o.logger.Debug("阶段完成",
		slog.String("run_id", run.ID),
		slog.String("stage", string(role)),
		slog.Int("tokens", recorded.Tokens),
		slog.Float64("cost", recorded.Cost),
		slog.Float64("latency_ms", recorded.LatencyMS))
	return &recorded, nil
}

// fail 将阶段错误折叠进执行日志。
func (o *Orchestrator) fail(run *ExecutionLog, err error) {
	run.Success = false
	run.ErrorCode = string(xerrors.CodeOf(err))

	stage := "pipeline"
	cause := err
	if coded, ok := xerrors.From(err); ok {
		if name := coded.Metadata()["stage"]; name != "" {
			stage = name
			run.FailedStage = Role(name)
		}
		if inner := coded.Unwrap(); inner != nil {
			cause = inner
		}
	}
	run.FinalOutput = fmt.Sprintf("[ERROR] %s: %v", stage, cause)
}

func (o *Orchestrator) afterRun(ctx context.Context, run *ExecutionLog) {
	riskScore := -1
	if run.Verdict != nil {
		riskScore = run.Verdict.RiskScore
	}

	outcome := metrics.OutcomeAccepted
	switch {
	case !run.Success:
		outcome = metrics.OutcomeFailed
	case !run.Accepted:
		outcome = metrics.OutcomeBestEffort
	}
	metrics.ObserveRun(outcome, run.Iterations, run.Duration, run.TotalCost)

	logger.Audit().Info("pipeline run completed",
		slog.String("run_id", run.ID),
		slog.String("outcome", outcome),
		slog.Bool("success", run.Success),
		slog.Int("iterations", run.Iterations),
		slog.Int("risk_score", riskScore),
		slog.Float64("total_cost", run.TotalCost),
		slog.Int64("duration_ms", run.Duration.Milliseconds()))

	detached := context.WithoutCancel(ctx)
	if o.archiver != nil {
		if err := o.archiver.Archive(detached, run); err != nil {
			o.logger.Error("归档运行记录失败", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	}
	if o.alerts != nil && outcome != metrics.OutcomeAccepted {
		if err := o.alerts.Notify(detached, alertFor(run, riskScore)); err != nil {
			o.logger.Warn("发送告警失败", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	}
}

func alertFor(run *ExecutionLog, riskScore int) alerting.Event {
	event := alerting.Event{
		RunID:      run.ID,
		Iterations: run.Iterations,
		RiskScore:  riskScore,
		Metadata:   map[string]string{},
		OccurredAt: time.Now().UTC(),
	}
	if !run.Success {
		event.Code = alerting.CodeRunFailed
		event.Message = run.FinalOutput
		if run.FailedStage != "" {
			event.Metadata["stage"] = string(run.FailedStage)
		}
		if run.ErrorCode != "" {
			event.Metadata["error_code"] = run.ErrorCode
		}
	} else {
		event.Code = alerting.CodeRunRisky
		event.Message = fmt.Sprintf("达到最大迭代次数 %d 后仍未通过审计，已按最后方案执行", run.Iterations)
		event.Metadata["risk_threshold"] = strconv.Itoa(run.RiskThreshold)
	}
	event.Severity = xerrors.AttributesOf(event.Code).Severity
	return event
}

// Stats 返回各角色后端的用量快照以及运行计数。
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	snapshot := func(role Role) llm.UsageCounters {
		if tracked, ok := o.backends[role]; ok {
			return tracked.Usage().Snapshot()
		}
		return llm.UsageCounters{}
	}
	stats := Stats{
		Planner:  snapshot(RolePlanner),
		Verifier: snapshot(RoleVerifier),
		Auditor:  snapshot(RoleAuditor),
		Executor: snapshot(RoleExecutor),
	}
	o.mu.RUnlock()

	stats.TotalExecutions, stats.SuccessfulExecutions = o.history.Counts()
	return stats
}

// Reset 清零四个后端的用量并清空运行历史。
func (o *Orchestrator) Reset() {
	o.mu.RLock()
	for _, tracked := range o.backends {
		tracked.Usage().Reset()
	}
	o.mu.RUnlock()
	o.history.Clear()
}
