package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/llm/mock"
	"O-Sovereign/internal/pipeline"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	err       error
	failRun   bool
}

func (f *fakeExecutor) Execute(ctx context.Context, input string, _ ...pipeline.RunOption) (*pipeline.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.failRun {
		return &pipeline.Result{RunID: "run", UserInput: input, FinalOutput: "[ERROR] planner: boom", ErrorCode: "BACKEND_FAILURE"}, nil
	}
	return &pipeline.Result{RunID: "run", Success: true, Accepted: true, UserInput: input, FinalOutput: "ok"}, nil
}

func startProcessor(t *testing.T, executor Executor, store Store, queue *MemoryQueue, workers int) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(workers))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return cancel
}

func waitFor(t *testing.T, store Store, id string, done func(*Task) bool) *Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		task, err := store.Get(context.Background(), id)
		if err == nil && done(task) {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("任务 %s 未在期限内完成: %+v", id, task)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}
	service := NewService(store, queue, 3)
	cancel := startProcessor(t, executor, store, queue, 8)
	defer cancel()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(context.Background(), Request{Input: fmt.Sprintf("input-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	stats := waitForStats(t, service, total)
	if stats.Succeeded != total {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func waitForStats(t *testing.T, service *Service, succeeded int) TaskStats {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == succeeded {
			return stats
		}
		select {
		case <-deadline:
			t.Fatalf("unexpected stats: %+v", stats)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorMarksFailedRunWithoutRetry(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{failRun: true}
	service := NewService(store, queue, 3)
	cancel := startProcessor(t, executor, store, queue, 1)
	defer cancel()

	task, err := service.Submit(context.Background(), Request{Input: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, store, task.ID, func(task *Task) bool { return task.Status == StatusFailed })
	if done.Attempts != 1 || done.ErrorCode != "BACKEND_FAILURE" {
		t.Fatalf("unexpected failed task: %+v", done)
	}
	if done.Result == nil || done.Result.FinalOutput != "[ERROR] planner: boom" {
		t.Fatalf("failed run result not stored: %+v", done.Result)
	}
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{err: xerrors.New(xerrors.CodeNotReady, "backends missing")}
	service := NewService(store, queue, 3)
	cancel := startProcessor(t, executor, store, queue, 1)
	defer cancel()

	task, _ := service.Submit(context.Background(), Request{Input: "x"})
	done := waitFor(t, store, task.ID, func(task *Task) bool {
		return task.Status == StatusFailed && task.Attempts == 3
	})
	if done.ErrorCode != string(xerrors.CodeNotReady) {
		t.Fatalf("unexpected error code: %+v", done)
	}
	time.Sleep(50 * time.Millisecond)
	if got := executor.processed.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestProcessorRetryOnFullQueueFailsInsteadOfBlocking(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	service := NewService(store, queue, 3)

	// Submit 占满容量为 1 的队列，之后的重投无处可放。
	task, err := service.Submit(context.Background(), Request{ID: "full", Input: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	executor := &fakeExecutor{err: xerrors.New(xerrors.CodeNotReady, "backends missing")}
	processor := NewProcessor(executor, store, queue, queue, WithRepublishTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- processor.handle(context.Background(), task.ID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on republish to a full queue")
	}

	got, _ := store.Get(context.Background(), task.ID)
	if got.Status != StatusFailed || got.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("expected publish failure, got %+v", got)
	}
}

func TestProcessorDoesNotRetryInvalidSettings(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{err: xerrors.New(xerrors.CodeInvalidArgument, "bad threshold")}
	service := NewService(store, queue, 3)
	cancel := startProcessor(t, executor, store, queue, 1)
	defer cancel()

	task, _ := service.Submit(context.Background(), Request{Input: "x"})
	done := waitFor(t, store, task.ID, func(task *Task) bool { return task.Status == StatusFailed })
	time.Sleep(50 * time.Millisecond)
	if done.Attempts != 1 || executor.processed.Load() != 1 {
		t.Fatalf("invalid settings should not be retried: %+v", done)
	}
}

func TestProcessorRunsOrchestrator(t *testing.T) {
	backend := func(role string, responses ...string) *mock.Backend {
		return mock.New(mock.Config{Role: role, Responses: responses})
	}
	orchestrator := pipeline.New(pipeline.Backends{
		Planner:  backend("MOSS"),
		Verifier: backend("L6"),
		Auditor:  backend("Ultron", "RISK_SCORE: 10\nIS_SAFE: true\nMITIGATION: 无"),
		Executor: backend("Omega", "最终结果"),
	})

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 1)
	cancel := startProcessor(t, orchestrator, store, queue, 2)
	defer cancel()

	task, err := service.Submit(context.Background(), Request{Input: "计划", MaxIterations: intPtr(2), RiskThreshold: intPtr(50)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, store, task.ID, func(task *Task) bool { return task.Status == StatusSucceeded })
	if !done.Result.Accepted || done.Result.FinalOutput != "最终结果" || done.Result.Statistics.Iterations != 1 {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 0)
	ctx := context.Background()

	cases := []Request{
		{Input: "  "},
		{Input: "x", MaxIterations: intPtr(11)},
		{Input: "x", MaxIterations: intPtr(0)},
		{Input: "x", RiskThreshold: intPtr(101)},
		{Input: "x", RiskThreshold: intPtr(-1)},
	}
	for _, req := range cases {
		if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeTaskValidation {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}

	first, err := service.Submit(ctx, Request{ID: "fixed", Input: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != 3 {
		t.Fatalf("expected default retries, got %d", first.MaxRetries)
	}
	second, err := service.Submit(ctx, Request{ID: "fixed", Input: "y"})
	if err != nil || second.Input != "x" {
		t.Fatalf("duplicate submit should return existing task: %+v %v", second, err)
	}
}

func TestServicePublishFailureMarksTask(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, 1)

	_, err := service.Submit(context.Background(), Request{ID: "p", Input: "x"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, _ := store.Get(context.Background(), "p")
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task after publish failure: %+v", task)
	}
}

func TestTaskRunOptions(t *testing.T) {
	task := &Task{RiskThreshold: intPtr(0)}
	if got := len(task.RunOptions()); got != 1 {
		t.Fatalf("explicit zero threshold should produce an option, got %d", got)
	}
	if got := len((&Task{}).RunOptions()); got != 0 {
		t.Fatalf("expected no options, got %d", got)
	}
}

func intPtr(v int) *int { return &v }
