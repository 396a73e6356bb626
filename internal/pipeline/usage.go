// Package pipeline 消费异步流水线上的事件并落库。
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/kafka"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/tasks"
)

// UsageRecorder 把模型用量事件写入用量表，事件 id 相同的重复投递只保留一条。
type UsageRecorder struct {
	repo repository.UsageRepository
}

// NewUsageRecorder 创建一个新的 UsageRecorder 实例。
func NewUsageRecorder(repo repository.UsageRepository) *UsageRecorder {
	return &UsageRecorder{repo: repo}
}

// Record 直接落库一条用量事件。
func (r *UsageRecorder) Record(ctx context.Context, ev tasks.UsageEvent) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	u := &model.Usage{
		ID:           ev.ID,
		TeamID:       ev.TeamID,
		TmbID:        ev.TmbID,
		Source:       model.UsageSource(ev.Source),
		Model:        ev.Model,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
		DatasetID:    ev.DatasetID,
		CollectionID: ev.CollectionID,
		CreatedAt:    created,
	}
	if err := r.repo.Create(ctx, u); err != nil {
		log.Errorf("[UsageRecorder] 用量落库失败, id: %s, team: %s, error: %v", ev.ID, ev.TeamID, err)
		return err
	}
	return nil
}

// Publish 让 UsageRecorder 可以直接作为用量发布端，未配置 Kafka 时使用。
func (r *UsageRecorder) Publish(ctx context.Context, _ string, v any) error {
	ev, ok := v.(tasks.UsageEvent)
	if !ok {
		return nil
	}
	return r.Record(ctx, ev)
}

// Handler 返回用量 topic 的消费函数，无法解析的消息直接跳过。
func (r *UsageRecorder) Handler() kafka.Handler {
	return func(ctx context.Context, m kafkago.Message) error {
		var ev tasks.UsageEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Warnf("[UsageRecorder] 跳过无法解析的用量消息, offset: %d, error: %v", m.Offset, err)
			return nil
		}
		if ev.ID == "" {
			log.Warnf("[UsageRecorder] 跳过缺少 id 的用量消息, offset: %d", m.Offset)
			return nil
		}
		return r.Record(ctx, ev)
	}
}
