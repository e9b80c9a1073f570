package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	// RecoverInflight 为 true 时，Consume 启动前把处理中列表里的运行放回队列。
	// 仅当该队列只有一个消费进程时开启。
	RecoverInflight bool
}

// RedisQueue 以 Redis list 作为运行队列。出队使用 BLMOVE 把运行 ID 移入
// "<queue>:processing"，处理结束后再从该列表删除，进程崩溃时运行不会丢失。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	recover    bool
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "sovereign:runs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		recover:    cfg.RecoverInflight,
	}, nil
}

// Publish 将运行 ID 投递到队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Depth 返回等待中与处理中的运行数量。
func (q *RedisQueue) Depth(ctx context.Context) (QueueDepth, error) {
	pipe := q.client.Pipeline()
	pendingCmd := pipe.LLen(ctx, q.queue)
	inflightCmd := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueDepth{}, fmt.Errorf("Redis 查询队列长度失败: %w", err)
	}
	return QueueDepth{Pending: pendingCmd.Val(), Inflight: inflightCmd.Val()}, nil
}

// Consume 启动 workerCount 个协程阻塞取运行，直到 ctx 结束或 Redis 出错。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if q.recover {
		if err := q.recoverInflight(ctx); err != nil {
			return err
		}
	}
	return runWorkers(ctx, workerCount, func(workCtx context.Context) error {
		return q.work(workCtx, handler)
	})
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}

		handlerErr := handler(ctx, taskID)
		// ctx 可能已取消，确认与重投使用独立上下文。
		ackCtx := context.WithoutCancel(ctx)
		if handlerErr != nil {
			_, err = q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ackCtx, q.processing, 1, taskID)
				pipe.RPush(ackCtx, q.queue, taskID)
				return nil
			})
		} else {
			err = q.client.LRem(ackCtx, q.processing, 1, taskID).Err()
		}
		if err != nil {
			return fmt.Errorf("Redis 确认任务失败: %w", err)
		}
	}
}

// recoverInflight 把上次进程退出时遗留在处理中列表的运行移回队列的出队端，
// 使它们先于新投递的运行被取出。
func (q *RedisQueue) recoverInflight(ctx context.Context) error {
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("Redis 恢复处理中任务失败: %w", err)
		}
	}
}

var _ DepthReporter = (*RedisQueue)(nil)

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
