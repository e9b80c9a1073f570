package task

import (
	"context"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/pipeline"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result *pipeline.Result) error
	// MarkFailed 记录失败；result 可为空，流水线内部失败时保存其结果。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *pipeline.Result) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
