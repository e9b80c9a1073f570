package task

import (
	"context"
	"sync"
)

// runWorkers 并发运行 n 个 work，返回第一个错误或 ctx 的错误。
// 返回前会取消传给 work 的上下文，并等待全部协程退出。
func runWorkers(ctx context.Context, n int, work func(ctx context.Context) error) error {
	if n <= 0 {
		n = 1
	}
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- work(workCtx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}
