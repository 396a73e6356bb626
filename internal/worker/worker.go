// Package worker 训练队列的消费端：领取条目、生成索引并写入数据与向量。
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/kafka"
	"dataset-trainer-go/pkg/llm"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/storage"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/vectorstore"
)

// Deps worker 依赖的存储与模型，Generator 为空时 qa 与 imageParse 条目会失败。
type Deps struct {
	Training  repository.TrainingRepository
	Data      repository.DataRepository
	Vectors   vectorstore.Store
	Embedder  embedding.Client
	Generator llm.Generator
	Blobs     storage.BlobStore
	Usage     tasks.UsageSink
	Cooldown  Cooldown
}

// Worker 固定数量的领取循环共享一个有界并发池。
type Worker struct {
	cfg  *config.Store
	deps Deps
	pool *ants.Pool
	wake chan struct{}
}

// New 创建 Worker，pool 大小取启动时的 training.parallelism。
func New(cfg *config.Store, deps Deps) (*Worker, error) {
	if deps.Usage == nil {
		deps.Usage = tasks.NopUsageSink{}
	}
	if deps.Cooldown == nil {
		deps.Cooldown = NewLocalCooldown()
	}
	size := cfg.Current().Training.Parallelism
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		log.Errorf("[Worker] 处理训练条目 panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("创建 worker 池失败: %w", err)
	}
	return &Worker{cfg: cfg, deps: deps, pool: pool, wake: make(chan struct{}, 1)}, nil
}

// Wake 立即唤醒一个空闲的领取循环。
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// NotifyTraining 未配置 Kafka 时，由导入流程直接唤醒本进程的 worker。
func (w *Worker) NotifyTraining(_ context.Context, ev tasks.TrainingWakeup) error {
	log.Debugf("[Worker] 收到训练唤醒, collection: %s, count: %d", ev.CollectionID, ev.Count)
	w.Wake()
	return nil
}

// WakeupHandler 消费 Kafka 中的训练唤醒消息。
func (w *Worker) WakeupHandler() kafka.Handler {
	return func(ctx context.Context, m kafkago.Message) error {
		var ev tasks.TrainingWakeup
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			// 格式错误的消息重试也不会成功
			log.Warnf("[Worker] 无法解析训练唤醒消息, offset: %d, error: %v", m.Offset, err)
			return nil
		}
		return w.NotifyTraining(ctx, ev)
	}
}

// Run 启动 training.workers 个领取循环，直到 ctx 结束。
func (w *Worker) Run(ctx context.Context) error {
	defer w.pool.Release()
	n := w.cfg.Current().Training.Workers
	log.Infof("[Worker] 启动 %d 个训练循环", n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			w.loop(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		if until := w.deps.Cooldown.Until(ctx); !until.IsZero() {
			log.Debugf("[Worker] 循环 %d 等待限流冷却至 %s", id, until.Format(time.RFC3339))
			if !sleep(ctx, time.Until(until)) {
				return
			}
			continue
		}

		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Errorf("[Worker] 循环 %d 领取训练条目失败: %v", id, err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.cfg.Current().Training.PollInterval):
		}
	}
}

// RunOnce 领取一批条目并等待它们处理完成，返回领取到的数量。
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	cfg := w.cfg.Current()
	items, err := w.deps.Training.Claim(ctx, cfg.Training.BatchSize, cfg.Training.Lease)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for i := range items {
		item := items[i]
		wg.Add(1)
		err := w.pool.Submit(func() {
			defer wg.Done()
			w.handle(ctx, cfg, &item)
		})
		if err != nil {
			wg.Done()
			log.Errorf("[Worker] 提交训练条目失败, item: %s, error: %v", item.ID, err)
			w.release(&item)
		}
	}
	wg.Wait()
	return len(items), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
