package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"O-Sovereign/internal/api"
	"O-Sovereign/internal/auth"
	"O-Sovereign/internal/config"
	"O-Sovereign/internal/observability/metrics"
	"O-Sovereign/internal/task"
	"O-Sovereign/pkg/logger"
)

const defaultTaskRetries = 3

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the async run workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	app, err := newApplication(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer app.Close(ctx)
	log := logger.Named("sovereignd")

	store, err := task.OpenStore(ctx, cfg.TaskStore)
	if err != nil {
		return fmt.Errorf("初始化任务存储失败: %w", err)
	}
	queue, err := task.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("初始化任务队列失败: %w", err)
	}

	service := task.NewService(store, queue, defaultTaskRetries)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processorOpts := []task.ProcessorOption{
		task.WithProcessorLogger(logger.Named("task")),
		task.WithWorkerCount(cfg.Queue.Workers),
	}
	if app.alerts != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(app.alerts))
	}
	processor := task.NewProcessor(app.orchestrator, store, queue, queue, processorOpts...)

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := processor.Start(procCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器退出", slog.Any("error", err))
		}
	}()
	log.Info("异步运行处理器已启动",
		slog.String("queue", cfg.Queue.Driver),
		slog.String("store", cfg.TaskStore.Driver),
		slog.Int("workers", cfg.Queue.Workers),
	)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("初始化访问令牌失败: %w", err)
	}

	opts := []api.Option{
		api.WithAuth(authSvc),
		api.WithTaskService(service),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	}
	if app.archive != nil {
		opts = append(opts, api.WithArchive(app.archive))
	}
	if addr := cfg.Server.MetricsAddress; addr != "" {
		opts = append(opts, api.WithMetricsEndpoint(false))
		go func() {
			if err := metrics.StartServer(procCtx, addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务退出", slog.Any("error", err))
			}
		}()
		log.Info("指标服务已启动", slog.String("addr", addr))
	}
	server := api.NewServer(cfg.Server.Address, app.orchestrator, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("API 服务异常退出: %w", err)
	}
	log.Info("服务已停止")
	return nil
}
