package service

import (
	"context"

	"dataset-trainer-go/pkg/tasks"
)

// Notifier 条目入队后通知 worker 立即领取。
type Notifier interface {
	NotifyTraining(ctx context.Context, ev tasks.TrainingWakeup) error
}

// KafkaNotifier 把唤醒消息写入训练 topic，所有实例的 worker 都会收到。
type KafkaNotifier struct {
	Publisher tasks.Publisher
}

func (n KafkaNotifier) NotifyTraining(ctx context.Context, ev tasks.TrainingWakeup) error {
	return n.Publisher.Publish(ctx, ev.CollectionID, ev)
}
