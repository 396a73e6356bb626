package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"dataset-trainer-go/pkg/log"
)

// NewRedis 创建 Redis 客户端并测试连接。
func NewRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 redis 失败: %w", err)
	}

	log.Info("[Database] Redis 连接成功")
	return rdb, nil
}
