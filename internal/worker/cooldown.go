package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"dataset-trainer-go/pkg/log"
)

// Cooldown 记录 embedding 服务的限流冷却期，所有 worker 实例共享。
type Cooldown interface {
	// Until 返回冷却结束时间，没有冷却时返回零值
	Until(ctx context.Context) time.Time
	Trip(ctx context.Context, d time.Duration)
}

// RedisCooldown 冷却状态保存在 Redis 中，多实例部署时共享；Redis 不可用时退化为本实例冷却。
type RedisCooldown struct {
	rdb   *redis.Client
	key   string
	local *LocalCooldown
}

func NewRedisCooldown(rdb *redis.Client, model string) *RedisCooldown {
	return &RedisCooldown{rdb: rdb, key: "embedding:cooldown:" + model, local: NewLocalCooldown()}
}

func (c *RedisCooldown) Until(ctx context.Context) time.Time {
	local := c.local.Until(ctx)
	ttl, err := c.rdb.PTTL(ctx, c.key).Result()
	if err != nil || ttl <= 0 {
		return local
	}
	if shared := time.Now().Add(ttl); shared.After(local) {
		return shared
	}
	return local
}

func (c *RedisCooldown) Trip(ctx context.Context, d time.Duration) {
	c.local.Trip(ctx, d)
	ttl, err := c.rdb.PTTL(ctx, c.key).Result()
	if err == nil && ttl >= d {
		// 已有更长的冷却时不缩短
		return
	}
	if err := c.rdb.Set(ctx, c.key, "1", d).Err(); err != nil {
		log.Warnf("[Worker] 写入共享限流冷却失败，仅本实例冷却, key: %s, error: %v", c.key, err)
	}
}

// LocalCooldown 进程内冷却状态。
type LocalCooldown struct {
	mu    sync.Mutex
	until time.Time
}

func NewLocalCooldown() *LocalCooldown {
	return &LocalCooldown{}
}

func (c *LocalCooldown) Until(context.Context) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().After(c.until) {
		return time.Time{}
	}
	return c.until
}

func (c *LocalCooldown) Trip(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := time.Now().Add(d); until.After(c.until) {
		c.until = until
	}
}
