package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"dataset-trainer-go/internal/model"
)

// TextHit 全文检索命中，Matches 为命中的不同词元数。
type TextHit struct {
	DataID  string
	Matches int
}

// DataRepository 数据记录与全文倒排行的持久化操作。
type DataRepository interface {
	// CommitTraining 在一个事务中写入训练结果、维护计数并删除队列条目；
	// item.DataID 非空时更新已有记录的索引而不是新增
	CommitTraining(ctx context.Context, item *model.TrainingItem, records []model.DataRecord) error
	FindByIDs(ctx context.Context, teamID string, ids []string) ([]model.DataRecord, error)
	// Page 按 id 升序分页读取某个知识库的数据
	Page(ctx context.Context, datasetID, afterID string, limit int) ([]model.DataRecord, error)
	// DeleteByCollection 删除集合下全部数据并回写计数，返回删除条数
	DeleteByCollection(ctx context.Context, c *model.Collection) (int64, error)
	SearchText(ctx context.Context, teamID string, datasetIDs, excludeCollectionIDs, tokens []string, limit int) ([]TextHit, error)
	// ImageIDs 集合下数据引用的图片 key
	ImageIDs(ctx context.Context, collectionID string) ([]string, error)

	FindByID(ctx context.Context, id string) (*model.DataRecord, error)
	// ListByCollection 按 chunkIndex 排序分页读取集合内的数据
	ListByCollection(ctx context.Context, collectionID string, offset, limit int) ([]model.DataRecord, error)
	// Insert 写入单条数据并维护计数，集合已删除或正在删除时返回 ErrCollectionGone
	Insert(ctx context.Context, rec *model.DataRecord) error
	// Update 覆盖数据的 q/a/indexes 并重建倒排行
	Update(ctx context.Context, rec *model.DataRecord) error
	// Delete 删除单条数据及其倒排行并回写计数
	Delete(ctx context.Context, rec *model.DataRecord) error
}

type dataRepository struct {
	db *gorm.DB
}

// NewDataRepository 创建一个新的 DataRepository 实例。
func NewDataRepository(db *gorm.DB) DataRepository {
	return &dataRepository{db: db}
}

func textRows(r *model.DataRecord) []model.DataText {
	var rows []model.DataText
	for _, tok := range strings.Fields(r.FullTextTokens) {
		rows = append(rows, model.DataText{
			TeamID:       r.TeamID,
			DatasetID:    r.DatasetID,
			CollectionID: r.CollectionID,
			DataID:       r.ID,
			Token:        tok,
		})
	}
	return rows
}

func (r *dataRepository) CommitTraining(ctx context.Context, item *model.TrainingItem, records []model.DataRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		added := len(records)
		if item.DataID != "" {
			added = 0
		}
		// 集合正在删除时计数更新不会命中，整个提交回滚
		res := tx.Model(&model.Collection{}).
			Where("id = ? AND deleting = ?", item.CollectionID, false).
			Updates(map[string]any{
				"data_count": gorm.Expr("data_count + ?", added),
				"updated_at": Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return collectionGone(tx, item.CollectionID)
		}

		if item.DataID != "" {
			for i := range records {
				rec := &records[i]
				if err := tx.Model(rec).Select("indexes", "full_text_tokens").Updates(rec).Error; err != nil {
					return err
				}
				if err := tx.Where("data_id = ?", rec.ID).Delete(&model.DataText{}).Error; err != nil {
					return err
				}
			}
		} else if added > 0 {
			if err := tx.Model(&model.Dataset{}).Where("id = ?", item.DatasetID).
				Update("data_count", gorm.Expr("data_count + ?", added)).Error; err != nil {
				return err
			}
			if err := tx.CreateInBatches(records, 100).Error; err != nil {
				return err
			}
		}

		var texts []model.DataText
		for i := range records {
			texts = append(texts, textRows(&records[i])...)
		}
		if len(texts) > 0 {
			if err := tx.CreateInBatches(texts, 500).Error; err != nil {
				return err
			}
		}

		res = tx.Where("id = ? AND lock_time = ?", item.ID, item.LockTime).Delete(&model.TrainingItem{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return nil
	})
}

func (r *dataRepository) FindByIDs(ctx context.Context, teamID string, ids []string) ([]model.DataRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.DataRecord
	err := r.db.WithContext(ctx).Where("team_id = ? AND id IN ?", teamID, ids).Find(&out).Error
	return out, err
}

func (r *dataRepository) Page(ctx context.Context, datasetID, afterID string, limit int) ([]model.DataRecord, error) {
	var out []model.DataRecord
	err := r.db.WithContext(ctx).
		Where("dataset_id = ? AND id > ?", datasetID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *dataRepository) DeleteByCollection(ctx context.Context, c *model.Collection) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection_id = ?", c.ID).Delete(&model.DataText{}).Error; err != nil {
			return err
		}
		res := tx.Where("collection_id = ?", c.ID).Delete(&model.DataRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		if deleted > 0 {
			if err := tx.Model(&model.Dataset{}).Where("id = ?", c.DatasetID).
				Update("data_count", gorm.Expr("CASE WHEN data_count > ? THEN data_count - ? ELSE 0 END", deleted, deleted)).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.Collection{}).Where("id = ?", c.ID).Update("data_count", 0).Error
	})
	return deleted, err
}

func (r *dataRepository) ImageIDs(ctx context.Context, collectionID string) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&model.DataRecord{}).
		Where("collection_id = ? AND image_id <> ''", collectionID).
		Pluck("image_id", &out).Error
	return out, err
}

func (r *dataRepository) SearchText(ctx context.Context, teamID string, datasetIDs, excludeCollectionIDs, tokens []string, limit int) ([]TextHit, error) {
	if len(datasetIDs) == 0 || len(tokens) == 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).Model(&model.DataText{}).
		Select("data_id, COUNT(DISTINCT token) AS matches").
		Where("team_id = ? AND dataset_id IN ? AND token IN ?", teamID, datasetIDs, tokens)
	if len(excludeCollectionIDs) > 0 {
		q = q.Where("collection_id NOT IN ?", excludeCollectionIDs)
	}
	var hits []TextHit
	err := q.Group("data_id").
		Order("matches DESC").
		Order("data_id ASC").
		Limit(limit).
		Scan(&hits).Error
	return hits, err
}

func (r *dataRepository) FindByID(ctx context.Context, id string) (*model.DataRecord, error) {
	var rec model.DataRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *dataRepository) ListByCollection(ctx context.Context, collectionID string, offset, limit int) ([]model.DataRecord, error) {
	var out []model.DataRecord
	err := r.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("chunk_index ASC").
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *dataRepository) Insert(ctx context.Context, rec *model.DataRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Collection{}).
			Where("id = ? AND deleting = ?", rec.CollectionID, false).
			Updates(map[string]any{
				"data_count": gorm.Expr("data_count + 1"),
				"updated_at": Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return collectionGone(tx, rec.CollectionID)
		}
		if err := tx.Model(&model.Dataset{}).Where("id = ?", rec.DatasetID).
			Update("data_count", gorm.Expr("data_count + 1")).Error; err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if texts := textRows(rec); len(texts) > 0 {
			return tx.CreateInBatches(texts, 500).Error
		}
		return nil
	})
}

func (r *dataRepository) Update(ctx context.Context, rec *model.DataRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.DataRecord{ID: rec.ID}).
			Select("q", "a", "indexes", "full_text_tokens", "updated_at").
			Updates(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// MySQL 对未变化的行返回 0，需要再确认记录是否存在
			var n int64
			if err := tx.Model(&model.DataRecord{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
		}
		if err := tx.Where("data_id = ?", rec.ID).Delete(&model.DataText{}).Error; err != nil {
			return err
		}
		if texts := textRows(rec); len(texts) > 0 {
			return tx.CreateInBatches(texts, 500).Error
		}
		return nil
	})
}

func (r *dataRepository) Delete(ctx context.Context, rec *model.DataRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("data_id = ?", rec.ID).Delete(&model.DataText{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", rec.ID).Delete(&model.DataRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		dec := gorm.Expr("CASE WHEN data_count > 0 THEN data_count - 1 ELSE 0 END")
		if err := tx.Model(&model.Collection{}).Where("id = ?", rec.CollectionID).Update("data_count", dec).Error; err != nil {
			return err
		}
		return tx.Model(&model.Dataset{}).Where("id = ?", rec.DatasetID).Update("data_count", dec).Error
	})
}
