package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"dataset-trainer-go/pkg/log"
)

// Locker 带过期时间的互斥锁。
type Locker interface {
	// Lock 成功时返回释放函数；锁被占用时 ok 为 false
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 基于 SETNX 的分布式锁，多实例部署时使用。
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := unlockScript.Run(context.Background(), l.rdb, []string{key}, token).Err(); err != nil {
			log.Warnf("[Dedup] 释放创建锁失败, key: %s, error: %v", key, err)
		}
	}, true, nil
}

// LocalLocker 进程内锁，未配置 Redis 或单实例部署时使用。
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]time.Time{}, nowFn: time.Now}
}

func (l *LocalLocker) Lock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
	}, true, nil
}
