package repository

import (
	"context"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"dataset-trainer-go/internal/model"
)

// TrainingRepository 训练队列的持久化操作，lock_time 同时充当租约令牌：
// 领取后写入的 lock_time 只属于当前 worker，后续的失败、释放与提交都以它为条件。
type TrainingRepository interface {
	Enqueue(ctx context.Context, items []model.TrainingItem) error
	// Claim 领取至多 limit 个可处理的条目并设置租约
	Claim(ctx context.Context, limit int, lease time.Duration) ([]model.TrainingItem, error)
	// Fail 扣减一次重试预算，预算耗尽时写入 errorMsg，返回剩余次数
	Fail(ctx context.Context, item *model.TrainingItem, reason string, retryAt time.Time) (int, error)
	// Release 归还租约但不扣减预算
	Release(ctx context.Context, item *model.TrainingItem, until time.Time) error
	// Drop 删除已持有租约的条目
	Drop(ctx context.Context, item *model.TrainingItem) error
	// Retry 重置失败条目，itemID 为空时重置集合内全部失败条目
	Retry(ctx context.Context, collectionID, itemID string, budget int) (int64, error)
	Stats(ctx context.Context, collectionID string) (pending, failed int64, err error)
	ListFailed(ctx context.Context, collectionID string) ([]model.TrainingItem, error)
	// RevokeLeases 使这些集合上所有未完成的租约失效
	RevokeLeases(ctx context.Context, collectionIDs []string) error
	DeleteByCollections(ctx context.Context, collectionIDs []string) (int64, error)
	// DeleteOrphans 删除所属集合已不存在的条目
	DeleteOrphans(ctx context.Context) (int64, error)
	// QueuedDataIDs 返回 dataIDs 中已有重建条目排队的部分
	QueuedDataIDs(ctx context.Context, dataIDs []string) ([]string, error)
	// ImageIDs 集合下尚未处理的图片 key
	ImageIDs(ctx context.Context, collectionID string) ([]string, error)
	// LeasedCollections 知识库中有条目租约未到期的集合
	LeasedCollections(ctx context.Context, datasetID string) ([]string, error)
	// DeleteByData 删除这些数据的重建条目
	DeleteByData(ctx context.Context, dataIDs []string) (int64, error)
}

// revokedLock 被撤销租约的条目写入的 lock_time，不会与任何领取得到的令牌相等。
var revokedLock = time.Unix(0, 0).UTC()

type trainingRepository struct {
	db *gorm.DB
}

// NewTrainingRepository 创建一个新的 TrainingRepository 实例。
func NewTrainingRepository(db *gorm.DB) TrainingRepository {
	return &trainingRepository{db: db}
}

func (r *trainingRepository) Enqueue(ctx context.Context, items []model.TrainingItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(items, 200).Error
}

func (r *trainingRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]model.TrainingItem, error) {
	now := Now()
	blocked := r.db.Model(&model.Collection{}).Select("id").Where("forbid = ? OR deleting = ?", true, true)

	var candidates []model.TrainingItem
	err := r.db.WithContext(ctx).
		Where("lock_time < ? AND error_msg IS NULL AND retry_count > 0", now).
		Where("collection_id NOT IN (?)", blocked).
		Order("lock_time ASC").
		Limit(limit * 3).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	// 打散候选，多个 worker 同时领取时减少冲突
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	until := now.Add(lease)
	claimed := make([]model.TrainingItem, 0, limit)
	for i := range candidates {
		if len(claimed) == limit {
			break
		}
		item := candidates[i]
		res := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
			Where("id = ? AND lock_time < ? AND error_msg IS NULL", item.ID, now).
			Update("lock_time", until)
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			item.LockTime = until
			claimed = append(claimed, item)
		}
	}
	return claimed, nil
}

func (r *trainingRepository) Fail(ctx context.Context, item *model.TrainingItem, reason string, retryAt time.Time) (int, error) {
	remaining := item.RetryCount - 1
	if remaining < 0 {
		remaining = 0
	}
	updates := map[string]any{"retry_count": remaining}
	if remaining == 0 {
		updates["error_msg"] = reason
		updates["lock_time"] = Now()
	} else {
		updates["lock_time"] = retryAt.UTC().Truncate(time.Millisecond)
	}
	res := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("id = ? AND lock_time = ?", item.ID, item.LockTime).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrLeaseLost
	}
	item.RetryCount = remaining
	return remaining, nil
}

func (r *trainingRepository) Release(ctx context.Context, item *model.TrainingItem, until time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("id = ? AND lock_time = ?", item.ID, item.LockTime).
		Update("lock_time", until.UTC().Truncate(time.Millisecond))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *trainingRepository) Drop(ctx context.Context, item *model.TrainingItem) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND lock_time = ?", item.ID, item.LockTime).
		Delete(&model.TrainingItem{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *trainingRepository) Retry(ctx context.Context, collectionID, itemID string, budget int) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("collection_id = ? AND error_msg IS NOT NULL", collectionID)
	if itemID != "" {
		q = q.Where("id = ?", itemID)
	}
	res := q.Updates(map[string]any{
		"retry_count": budget,
		"error_msg":   gorm.Expr("NULL"),
		"lock_time":   Now(),
	})
	return res.RowsAffected, res.Error
}

func (r *trainingRepository) Stats(ctx context.Context, collectionID string) (int64, int64, error) {
	var rows []struct {
		Failed bool
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Select("error_msg IS NOT NULL AS failed, COUNT(*) AS n").
		Where("collection_id = ?", collectionID).
		Group("error_msg IS NOT NULL").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	var pending, failed int64
	for _, row := range rows {
		if row.Failed {
			failed += row.N
		} else {
			pending += row.N
		}
	}
	return pending, failed, nil
}

func (r *trainingRepository) ListFailed(ctx context.Context, collectionID string) ([]model.TrainingItem, error) {
	var items []model.TrainingItem
	err := r.db.WithContext(ctx).
		Where("collection_id = ? AND error_msg IS NOT NULL", collectionID).
		Order("chunk_index ASC").
		Find(&items).Error
	return items, err
}

func (r *trainingRepository) RevokeLeases(ctx context.Context, collectionIDs []string) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("collection_id IN ?", collectionIDs).
		Update("lock_time", revokedLock).Error
}

func (r *trainingRepository) DeleteByCollections(ctx context.Context, collectionIDs []string) (int64, error) {
	if len(collectionIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("collection_id IN ?", collectionIDs).Delete(&model.TrainingItem{})
	return res.RowsAffected, res.Error
}

func (r *trainingRepository) DeleteOrphans(ctx context.Context) (int64, error) {
	existing := r.db.Model(&model.Collection{}).Select("id")
	res := r.db.WithContext(ctx).Where("collection_id NOT IN (?)", existing).Delete(&model.TrainingItem{})
	return res.RowsAffected, res.Error
}

func (r *trainingRepository) QueuedDataIDs(ctx context.Context, dataIDs []string) ([]string, error) {
	if len(dataIDs) == 0 {
		return nil, nil
	}
	var out []string
	err := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("data_id IN ?", dataIDs).
		Distinct().
		Pluck("data_id", &out).Error
	return out, err
}

func (r *trainingRepository) ImageIDs(ctx context.Context, collectionID string) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("collection_id = ? AND image_id <> ''", collectionID).
		Pluck("image_id", &out).Error
	return out, err
}

func (r *trainingRepository) LeasedCollections(ctx context.Context, datasetID string) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&model.TrainingItem{}).
		Where("dataset_id = ? AND lock_time > ? AND error_msg IS NULL", datasetID, Now()).
		Distinct().
		Pluck("collection_id", &out).Error
	return out, err
}

func (r *trainingRepository) DeleteByData(ctx context.Context, dataIDs []string) (int64, error) {
	if len(dataIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("data_id IN ?", dataIDs).Delete(&model.TrainingItem{})
	return res.RowsAffected, res.Error
}
