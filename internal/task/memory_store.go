package task

import (
	"context"
	"sync"
	"time"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/pipeline"
)

// MemoryStore 以内存方式保存任务状态，适用于单进程部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := claim(task, time.Now().Unix()); err != nil {
		return cloneTask(task), err
	}
	return cloneTask(task), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result *pipeline.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	markSucceeded(task, result, time.Now().Unix())
	return nil
}

// MarkFailed 标记任务失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, result *pipeline.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	markFailed(task, code, lastError, result, time.Now().Unix())
	return nil
}

// List 返回符合条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		all = append(all, cloneTask(task))
	}
	return selectTasks(all, opts), nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// claim 在原地推进任务状态，供各存储实现共享。
func claim(task *Task, now int64) error {
	switch task.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusRunning:
		return ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = now
	return nil
}

func markSucceeded(task *Task, result *pipeline.Result, now int64) {
	task.Status = StatusSucceeded
	task.Result = result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = now
}

func markFailed(task *Task, code xerrors.Code, lastError string, result *pipeline.Result, now int64) {
	task.Status = StatusFailed
	task.LastError = lastError
	task.ErrorCode = string(code)
	if result != nil {
		task.Result = result
	}
	task.UpdatedAt = now
}

var _ Store = (*MemoryStore)(nil)
