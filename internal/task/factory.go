package task

import (
	"context"
	"fmt"
	"time"

	"O-Sovereign/internal/config"
)

// OpenQueue 根据配置创建运行队列。
func OpenQueue(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, RedisQueueConfig{
			Address:         cfg.Redis.Address,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			Queue:           cfg.Redis.Key,
			BlockWait:       time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
			RecoverInflight: cfg.Redis.RecoverInflight,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Driver)
	}
}

// OpenStore 根据配置创建任务存储。
func OpenStore(ctx context.Context, cfg config.TaskStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, RedisStoreConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Key,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("不支持的任务存储驱动: %s", cfg.Driver)
	}
}
