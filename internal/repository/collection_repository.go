package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/pkg/log"
)

// ErrDuplicateContent 同一知识库中已存在相同内容的集合。
var ErrDuplicateContent = errors.New("duplicate collection content")

// CollectionRepository 集合的持久化操作。
type CollectionRepository interface {
	// CreateWithItems 在一个事务中创建集合及其训练条目
	CreateWithItems(ctx context.Context, c *model.Collection, items []model.TrainingItem) error
	FindByID(ctx context.Context, id string) (*model.Collection, error)
	FindByHash(ctx context.Context, datasetID, hash string) (*model.Collection, error)
	List(ctx context.Context, datasetID string, parentID *string) ([]model.Collection, error)
	ListByDataset(ctx context.Context, datasetID string) ([]model.Collection, error)
	// Descendants 广度优先返回 rootID 及其全部子孙，按层级从浅到深
	Descendants(ctx context.Context, rootID string) ([]string, error)
	SetForbid(ctx context.Context, ids []string, forbid bool) error
	MarkDeleting(ctx context.Context, ids []string) error
	Delete(ctx context.Context, id string) error
	// ExcludedIDs 返回给定知识库中被禁用或正在删除的集合
	ExcludedIDs(ctx context.Context, teamID string, datasetIDs []string) ([]string, error)
}

type collectionRepository struct {
	db *gorm.DB
}

// NewCollectionRepository 创建一个新的 CollectionRepository 实例。
func NewCollectionRepository(db *gorm.DB) CollectionRepository {
	return &collectionRepository{db: db}
}

func (r *collectionRepository) CreateWithItems(ctx context.Context, c *model.Collection, items []model.TrainingItem) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.CreateInBatches(items, 200).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateContent
	}
	return err
}

func (r *collectionRepository) FindByID(ctx context.Context, id string) (*model.Collection, error) {
	var c model.Collection
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *collectionRepository) FindByHash(ctx context.Context, datasetID, hash string) (*model.Collection, error) {
	var c model.Collection
	err := r.db.WithContext(ctx).
		Where("dataset_id = ? AND content_hash = ?", datasetID, hash).
		First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *collectionRepository) List(ctx context.Context, datasetID string, parentID *string) ([]model.Collection, error) {
	q := r.db.WithContext(ctx).Where("dataset_id = ?", datasetID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	var out []model.Collection
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

func (r *collectionRepository) ListByDataset(ctx context.Context, datasetID string) ([]model.Collection, error) {
	var out []model.Collection
	err := r.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Find(&out).Error
	return out, err
}

func (r *collectionRepository) Descendants(ctx context.Context, rootID string) ([]string, error) {
	visited := map[string]bool{rootID: true}
	order := []string{rootID}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var children []string
		err := r.db.WithContext(ctx).Model(&model.Collection{}).
			Where("parent_id IN ?", frontier).
			Pluck("id", &children).Error
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range children {
			if visited[id] {
				log.Warnf("[CollectionRepository] 集合树存在环, root: %s, node: %s", rootID, id)
				continue
			}
			visited[id] = true
			order = append(order, id)
			frontier = append(frontier, id)
		}
	}
	return order, nil
}

func (r *collectionRepository) SetForbid(ctx context.Context, ids []string, forbid bool) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Collection{}).
		Where("id IN ?", ids).
		Update("forbid", forbid).Error
}

func (r *collectionRepository) MarkDeleting(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Collection{}).
		Where("id IN ?", ids).
		Update("deleting", true).Error
}

func (r *collectionRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Collection{}).Error
}

func (r *collectionRepository) ExcludedIDs(ctx context.Context, teamID string, datasetIDs []string) ([]string, error) {
	if len(datasetIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Collection{}).
		Where("team_id = ? AND dataset_id IN ? AND (forbid = ? OR deleting = ?)", teamID, datasetIDs, true, true).
		Pluck("id", &ids).Error
	return ids, err
}
