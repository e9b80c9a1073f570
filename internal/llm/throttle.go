package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled 在调用后端前等待令牌桶。
type Throttled struct {
	backend Backend
	limiter *rate.Limiter
}

// Throttle 为后端加上每秒 rps 次、突发 burst 次的限速。rps <= 0 时原样返回。
func Throttle(backend Backend, rps float64, burst int) Backend {
	if rps <= 0 {
		return backend
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{backend: backend, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate 实现 Backend。
func (t *Throttled) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待限流令牌失败: %w", err)
	}
	return t.backend.Generate(ctx, req)
}
