package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"O-Sovereign/internal/config"
	"O-Sovereign/internal/llm"
	"O-Sovereign/internal/llm/provider"
	"O-Sovereign/internal/observability/alerting"
	"O-Sovereign/internal/pipeline"
	"O-Sovereign/internal/storage/archive"
	"O-Sovereign/pkg/logger"
)

// application 汇总一次进程生命周期内共享的组件。
type application struct {
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator
	archive      archive.Repository
	alerts       alerting.Dispatcher
	tracer       *sdktrace.TracerProvider
}

// newApplication 初始化日志、链路追踪、后端、归档与告警，并组装编排器。
// traceOut 为 nil 时不导出链路。
func newApplication(ctx context.Context, cfg *config.Config, traceOut io.Writer) (*application, error) {
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	app := &application{cfg: cfg}
	opts := []pipeline.Option{
		pipeline.WithSettings(pipeline.Settings{
			MaxIterations: cfg.Pipeline.MaxIterations,
			RiskThreshold: cfg.Pipeline.RiskThreshold,
		}),
		pipeline.WithHistory(pipeline.NewHistory(cfg.Pipeline.HistoryLimit)),
	}

	if cfg.Tracing.Enabled && traceOut != nil {
		tp, err := newTracerProvider(cfg.Tracing, traceOut)
		if err != nil {
			return nil, err
		}
		app.tracer = tp
		otel.SetTracerProvider(tp)
		opts = append(opts, pipeline.WithTracer(tp.Tracer("O-Sovereign/internal/pipeline")))
	}

	repo, err := archive.Open(ctx, cfg.Archive, cfg.Runtime.DataDir)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("初始化运行归档失败: %w", err)
	}
	if repo != nil {
		app.archive = repo
		opts = append(opts, pipeline.WithArchiver(repo))
	}

	if cfg.Alerting.Enabled {
		dispatcher, err := newAlertDispatcher(cfg.Alerting)
		if err != nil {
			app.Close(ctx)
			return nil, err
		}
		app.alerts = dispatcher
		opts = append(opts, pipeline.WithAlertDispatcher(dispatcher))
	}

	backends, err := buildBackends(provider.NewRegistry(), cfg.Backends)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.orchestrator = pipeline.New(backends, opts...)

	logger.L().Info("流水线已初始化",
		slog.String("planner", cfg.Backends.Planner.Provider),
		slog.String("verifier", cfg.Backends.Verifier.Provider),
		slog.String("auditor", cfg.Backends.Auditor.Provider),
		slog.String("executor", cfg.Backends.Executor.Provider),
		slog.String("archive", cfg.Archive.Driver),
		slog.Int("max_iterations", cfg.Pipeline.MaxIterations),
		slog.Int("risk_threshold", cfg.Pipeline.RiskThreshold),
	)
	return app, nil
}

func buildBackends(registry *provider.Registry, cfg config.BackendsConfig) (pipeline.Backends, error) {
	build := func(role pipeline.Role, bc config.BackendConfig) (llm.Backend, error) {
		return registry.Build(role.Alias(), bc)
	}
	var (
		backends pipeline.Backends
		err      error
	)
	if backends.Planner, err = build(pipeline.RolePlanner, cfg.Planner); err != nil {
		return backends, err
	}
	if backends.Verifier, err = build(pipeline.RoleVerifier, cfg.Verifier); err != nil {
		return backends, err
	}
	if backends.Auditor, err = build(pipeline.RoleAuditor, cfg.Auditor); err != nil {
		return backends, err
	}
	if backends.Executor, err = build(pipeline.RoleExecutor, cfg.Executor); err != nil {
		return backends, err
	}
	return backends, nil
}

func newAlertDispatcher(cfg config.AlertingConfig) (*alerting.FanoutDispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for i, hook := range cfg.Webhooks {
		name := hook.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i+1)
		}
		notifier, err := alerting.NewWebhookNotifier(name, hook.URL, time.Duration(hook.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("初始化告警 Webhook %s 失败: %w", name, err)
		}
		notifiers = append(notifiers, notifier)
	}
	return alerting.NewFanout(notifiers...), nil
}

func newTracerProvider(cfg config.TracingConfig, out io.Writer) (*sdktrace.TracerProvider, error) {
	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(out)}
	if cfg.PrettyPrint {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("创建链路导出器失败: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	), nil
}

// Close 释放归档连接并刷新链路数据。
func (a *application) Close(ctx context.Context) error {
	var errs []error
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		errs = append(errs, a.tracer.Shutdown(shutdownCtx))
	}
	_ = logger.Sync()
	return errors.Join(errs...)
}
