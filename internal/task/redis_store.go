package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/pipeline"
)

// RedisStoreConfig 描述 Redis 任务存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore 以 JSON 形式把任务写入 Redis，多个进程可共享同一份任务状态。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

const redisClaimRetries = 8

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
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
	return newRedisStore(client, cfg.Prefix, cfg.TTL), nil
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "sovereign"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) taskKey(id string) string { return r.prefix + ":task:" + id }
func (r *RedisStore) indexKey() string         { return r.prefix + ":tasks" }

// Create 实现 Store 接口。
func (r *RedisStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	payload, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
	}
	created, err := r.client.SetNX(ctx, r.taskKey(task.ID), payload, r.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	if !created {
		return ErrTaskConflict
	}
	if err := r.client.SAdd(ctx, r.indexKey(), task.ID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务索引失败")
	}
	return nil
}

// Get 返回任务。
func (r *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	return r.load(ctx, r.client, id)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) load(ctx context.Context, c redisGetter, id string) (*Task, error) {
	raw, err := c.Get(ctx, r.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
	}
	return &task, nil
}

// update 在 WATCH 事务中读取、修改并写回任务，冲突时重试。
func (r *RedisStore) update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	key := r.taskKey(id)
	var (
		updated   *Task
		mutateErr error
	)
	txf := func(tx *redis.Tx) error {
		task, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		updated = task
		if mutateErr = mutate(task); mutateErr != nil {
			return nil
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < redisClaimRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
		}
		return updated, mutateErr
	}
	return nil, ErrTaskConflict
}

// Claim 将任务状态更新为运行中。
func (r *RedisStore) Claim(ctx context.Context, id string) (*Task, error) {
	return r.update(ctx, id, func(task *Task) error {
		return claim(task, time.Now().Unix())
	})
}

// MarkSucceeded 记录成功结果。
func (r *RedisStore) MarkSucceeded(ctx context.Context, id string, result *pipeline.Result) error {
	_, err := r.update(ctx, id, func(task *Task) error {
		markSucceeded(task, result, time.Now().Unix())
		return nil
	})
	return err
}

// MarkFailed 标记任务失败。
func (r *RedisStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *pipeline.Result) error {
	_, err := r.update(ctx, id, func(task *Task) error {
		markFailed(task, code, lastError, result, time.Now().Unix())
		return nil
	})
	return err
}

func (r *RedisStore) all(ctx context.Context) ([]*Task, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务索引失败")
	}
	tasks := make([]*Task, 0, len(ids))
	var expired []any
	for _, id := range ids {
		task, err := r.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if len(expired) > 0 {
		_ = r.client.SRem(ctx, r.indexKey(), expired...).Err()
	}
	return tasks, nil
}

// List 返回符合条件的任务。
func (r *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	tasks, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	return selectTasks(tasks, opts), nil
}

// Stats 统计任务状态。
func (r *RedisStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	tasks, err := r.all(ctx)
	if err != nil {
		return TaskStats{}, err
	}
	stats := TaskStats{}
	for _, task := range tasks {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
