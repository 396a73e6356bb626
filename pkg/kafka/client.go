// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"dataset-trainer-go/pkg/log"
)

// MaxAttempts 同一条消息处理失败达到该次数后提交 offset 放弃。
const MaxAttempts = 3

// Handler 处理一条消息，返回错误时消息不提交，由 Kafka 重新投递。
type Handler func(ctx context.Context, m kafka.Message) error

// Brokers 解析逗号分隔的 broker 列表。
func Brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 向单个 topic 写 JSON 消息。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(brokers, topic string) *Producer {
	p := &Producer{w: &kafka.Writer{
		Addr:                   kafka.TCP(Brokers(brokers)...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}
	log.Infof("Kafka 生产者初始化成功, topic: %s", topic)
	return p
}

// Publish 序列化 v 并发送，key 决定分区。
func (p *Producer) Publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (p *Producer) Close() error {
	return p.w.Close()
}

// Consumer 以消费组方式读取一个 topic，失败次数记录在 Redis 中。
type Consumer struct {
	r     *kafka.Reader
	rdb   *redis.Client
	topic string
}

// NewConsumer 创建消费者，rdb 用于跨重启累计失败次数，可以为空。
func NewConsumer(brokers, topic, groupID string, rdb *redis.Client) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  Brokers(brokers),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return &Consumer{r: r, rdb: rdb, topic: topic}
}

// Run 循环读取消息直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.topic)
	defer func() {
		if err := c.r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}

		if !c.process(ctx, m, handle) {
			return nil
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// process 处理一条消息，失败时原地重试，累计失败次数达到 MaxAttempts 后放弃；ctx 结束时返回 false。
func (c *Consumer) process(ctx context.Context, m kafka.Message, handle Handler) bool {
	for attempt := 1; ; attempt++ {
		err := handle(ctx, m)
		if err == nil {
			c.clearAttempts(ctx, m)
			return true
		}
		log.Errorf("处理 Kafka 消息失败: topic=%s partition=%d offset=%d, error: %v", m.Topic, m.Partition, m.Offset, err)
		if c.giveUp(ctx, m, attempt) {
			log.Errorf("Kafka 消息多次失败(>=%d)，提交 offset 终止重试: offset=%d", MaxAttempts, m.Offset)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
}

func attemptsKey(m kafka.Message) string {
	return fmt.Sprintf("kafka:attempts:%s:%d:%d", m.Topic, m.Partition, m.Offset)
}

// giveUp 记录一次失败并报告是否应放弃，Redis 不可用时按本进程内的次数判断。
func (c *Consumer) giveUp(ctx context.Context, m kafka.Message, local int) bool {
	if c.rdb == nil {
		return local >= MaxAttempts
	}
	key := attemptsKey(m)
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return local >= MaxAttempts
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return attempts >= MaxAttempts
}

func (c *Consumer) clearAttempts(ctx context.Context, m kafka.Message) {
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, attemptsKey(m)).Err()
	}
}
