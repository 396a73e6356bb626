// Package dedup 基于内容哈希防止同一知识库重复导入相同内容。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/log"
)

// ErrBusy 相同内容正在被另一个请求导入。
var ErrBusy = errors.New("相同内容正在导入，请稍后重试")

// Hash 返回内容的 sha256 十六进制摘要。
func Hash(fingerprint []byte) string {
	sum := sha256.Sum256(fingerprint)
	return hex.EncodeToString(sum[:])
}

// Finder 按哈希查找已存在的集合。
type Finder interface {
	FindByHash(ctx context.Context, datasetID, hash string) (*model.Collection, error)
}

// Claim 一次去重检查的结果。Existing 非空时调用方直接返回已有集合。
type Claim struct {
	Hash     string
	Existing *model.Collection
	release  func()
}

// Release 释放创建锁，可重复调用。
func (c *Claim) Release() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// Guard 组合查库与创建锁。
type Guard struct {
	finder Finder
	locker Locker
	ttl    time.Duration
	wait   time.Duration
}

// NewGuard 创建 Guard，ttl 为创建锁的最长持有时间。
func NewGuard(finder Finder, locker Locker, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Guard{finder: finder, locker: locker, ttl: ttl, wait: 100 * time.Millisecond}
}

// Acquire 检查内容是否已导入；未导入时持有创建锁返回，调用方建完集合后必须 Release。
func (g *Guard) Acquire(ctx context.Context, datasetID string, fingerprint []byte) (*Claim, error) {
	hash := Hash(fingerprint)
	key := fmt.Sprintf("dataset:dedup:%s:%s", datasetID, hash)
	deadline := time.Now().Add(g.ttl)

	for {
		existing, err := g.finder.FindByHash(ctx, datasetID, hash)
		if err == nil {
			return &Claim{Hash: hash, Existing: existing}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}

		release, ok, err := g.locker.Lock(ctx, key, g.ttl)
		if err != nil {
			// 锁服务不可用时退化为依赖唯一索引
			log.Warnf("[Dedup] 获取创建锁失败, key: %s, error: %v", key, err)
			return &Claim{Hash: hash}, nil
		}
		if ok {
			// 持锁后再查一次，上一个持锁者可能刚建完
			existing, err := g.finder.FindByHash(ctx, datasetID, hash)
			if err == nil {
				release()
				return &Claim{Hash: hash, Existing: existing}, nil
			}
			if !errors.Is(err, repository.ErrNotFound) {
				release()
				return nil, err
			}
			return &Claim{Hash: hash, release: release}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.wait):
		}
	}
}
