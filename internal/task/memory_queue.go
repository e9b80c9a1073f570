package task

import (
	"context"
	"sync"

	xerrors "O-Sovereign/internal/errors"
)

// ErrQueueClosed 表示队列已关闭，不再接受投递。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// MemoryQueue 是进程内运行队列，容量满时 Publish 阻塞直到有空位或 ctx 结束。
// 关闭后仍在缓冲区中的运行会被丢弃。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将运行 ID 投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程处理运行，直到 ctx 结束或队列关闭。
// 处理失败的运行由 Processor 自行重投，这里不做重试。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

// Depth 返回尚未被取出的运行数量，内存队列不跟踪处理中的运行。
func (q *MemoryQueue) Depth(context.Context) (QueueDepth, error) {
	return QueueDepth{Pending: int64(len(q.ch))}, nil
}

var _ DepthReporter = (*MemoryQueue)(nil)

// Close 关闭队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
