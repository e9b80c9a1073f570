package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/observability/alerting"
	"O-Sovereign/internal/pipeline"
	"O-Sovereign/pkg/logger"
)

// Executor 定义了处理器所需的流水线能力，*pipeline.Orchestrator 即满足该接口。
type Executor interface {
	Execute(ctx context.Context, input string, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

// Processor 负责从队列消费任务并交给流水线执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	// republishTimeout 限制重投等待时间，避免消费协程阻塞在已满的队列上。
	republishTimeout time.Duration
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRepublishTimeout 设置重试重投的最长等待时间。
func WithRepublishTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.republishTimeout = d
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,

		republishTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束或消费者出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeNotReady, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeNotReady, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, task.Input, task.RunOptions()...)
	if execErr == nil && result == nil {
		execErr = xerrors.New(CodeTaskProcessing, "流水线未返回结果")
	}
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	if !result.Success {
		// 流水线内部失败已经计费并记录，不再重试。
		code := xerrors.Code(result.ErrorCode)
		if code == "" {
			code = CodeTaskProcessing
		}
		if err := p.store.MarkFailed(ctx, task.ID, code, result.FinalOutput, result); err != nil {
			logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
			return err
		}
		logger.Audit().Warn("任务运行失败",
			slog.String("task_id", task.ID),
			slog.String("run_id", result.RunID),
			slog.String("error_code", string(code)),
		)
		return nil
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("run_id", result.RunID),
		slog.Bool("accepted", result.Accepted),
		slog.Int("iterations", result.Statistics.Iterations),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), nil); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, task, code, execErr, stage)

	if !terminal {
		p.republish(ctx, task)
	}
	return nil
}

// republish 在 republishTimeout 内重新投递任务；超时或失败时任务以
// CodeTaskPublish 终止，不再占用消费协程。
func (p *Processor) republish(ctx context.Context, task *Task) {
	pubCtx, cancel := context.WithTimeout(ctx, p.republishTimeout)
	defer cancel()

	pubErr := p.producer.Publish(pubCtx, task.ID)
	if pubErr == nil {
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
		return
	}

	wrapped := xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	logger.L().Error("任务重投失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
	if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), nil); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
	}
	p.emitAlert(ctx, task, CodeTaskPublish, wrapped, "republish")
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:     code,
		Message:  attrs.Message,
		Severity: attrs.Severity,
		RunID:    task.ID,
		Metadata: map[string]string{
			"stage":       stage,
			"attempts":    fmt.Sprint(task.Attempts),
			"max_retries": fmt.Sprint(task.MaxRetries),
		},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

var _ Executor = (*pipeline.Orchestrator)(nil)
