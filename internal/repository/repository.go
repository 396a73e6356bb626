// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dataset-trainer-go/internal/model"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrLeaseLost 训练条目的租约已被其他 worker 接管。
	ErrLeaseLost = errors.New("training lease lost")
	// ErrCollectionGone 集合已删除或正在删除。
	ErrCollectionGone = errors.New("collection deleted or deleting")
	// ErrCollectionMissing 集合行已不存在，总是与 ErrCollectionGone 一起返回。
	ErrCollectionMissing = errors.New("collection row missing")
)

// Now 统一以 UTC 毫秒精度取时间，lock_time 作为租约令牌参与等值比较。
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// collectionGone 在集合计数更新未命中时区分集合已删除与正在删除。
func collectionGone(tx *gorm.DB, collectionID string) error {
	var n int64
	if err := tx.Model(&model.Collection{}).Where("id = ?", collectionID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %w", ErrCollectionGone, ErrCollectionMissing)
	}
	return ErrCollectionGone
}
