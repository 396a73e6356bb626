package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, Brokers(" a:9092, ,b:9092 "))
	assert.Empty(t, Brokers(""))
}

func TestGiveUpWithoutRedisCountsLocally(t *testing.T) {
	c := &Consumer{}
	m := kafka.Message{Topic: "t", Partition: 1, Offset: 7}
	assert.False(t, c.giveUp(context.Background(), m, 1))
	assert.False(t, c.giveUp(context.Background(), m, MaxAttempts-1))
	assert.True(t, c.giveUp(context.Background(), m, MaxAttempts))
	assert.Equal(t, "kafka:attempts:t:1:7", attemptsKey(m))
}
