// Package storage 提供了与对象存储服务（MinIO、S3）交互的功能。
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dataset-trainer-go/internal/config"
)

// ErrNotFound 对象不存在。
var ErrNotFound = errors.New("blob not found")

// BlobStore 保存原始文件与图片，Delete 对不存在的对象返回 nil。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New 按 cfg.Blob.Backend 创建对象存储。
func New(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.Blob.Backend {
	case "minio":
		return NewMinIO(ctx, cfg.MinIO)
	case "s3":
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: blob.backend=%s", config.ErrUnknownBackend, cfg.Blob.Backend)
	}
}

// Memory 进程内对象存储，供测试使用。
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Has 报告对象是否存在。
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}
