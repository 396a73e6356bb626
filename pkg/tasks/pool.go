package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"dataset-trainer-go/pkg/log"
)

// Pool 后台任务池，提交即返回；任务出错或 panic 只记日志，不会影响提交方。
type Pool struct {
	pool    *ants.Pool
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewPool 创建容量为 size 的任务池，每个任务最多运行 timeout。
func NewPool(size int, timeout time.Duration) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v interface{}) {
			log.Errorf("[Tasks] 后台任务 panic: %v", v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("创建任务池失败: %w", err)
	}
	return &Pool{pool: p, timeout: timeout}, nil
}

// Go 提交一个后台任务；池已满或已关闭时丢弃并记录日志，返回是否提交成功。
func (p *Pool) Go(name string, fn func(ctx context.Context) error) bool {
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		ctx := context.Background()
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			log.Errorf("[Tasks] 后台任务 %s 失败: %v", name, err)
		}
	})
	if err != nil {
		p.wg.Done()
		log.Warnf("[Tasks] 后台任务 %s 被丢弃: %v", name, err)
		return false
	}
	return true
}

// Wait 等待已提交的任务全部结束。
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close 等待运行中的任务最多 timeout 后释放池。
func (p *Pool) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("[Tasks] 关闭任务池超时，仍有任务在运行")
	}
	p.pool.Release()
}
