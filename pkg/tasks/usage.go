package tasks

import (
	"context"

	"dataset-trainer-go/pkg/log"
)

// UsageSink 用量上报，调用方不等待结果也不关心失败。
type UsageSink interface {
	Record(ev UsageEvent)
}

// Publisher 把用量事件发送到下游，kafka.Producer 满足该接口。
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// PublisherFunc 把普通函数适配为 Publisher。
type PublisherFunc func(ctx context.Context, key string, v any) error

func (f PublisherFunc) Publish(ctx context.Context, key string, v any) error {
	return f(ctx, key, v)
}

type poolSink struct {
	pool *Pool
	pub  Publisher
}

// NewUsageSink 在后台任务池中发送用量事件。
func NewUsageSink(pool *Pool, pub Publisher) UsageSink {
	return &poolSink{pool: pool, pub: pub}
}

func (s *poolSink) Record(ev UsageEvent) {
	s.pool.Go("usage:"+ev.Source, func(ctx context.Context) error {
		return s.pub.Publish(ctx, ev.TeamID, ev)
	})
}

// NopUsageSink 丢弃所有用量事件。
type NopUsageSink struct{}

func (NopUsageSink) Record(ev UsageEvent) {
	log.Debugf("[Usage] 未配置用量上报, team: %s, model: %s, tokens: %d/%d", ev.TeamID, ev.Model, ev.InputTokens, ev.OutputTokens)
}
