package repository

import (
	"context"

	"gorm.io/gorm"

	"dataset-trainer-go/internal/model"
)

// DatasetRepository 知识库的持久化操作。
type DatasetRepository interface {
	Create(ctx context.Context, d *model.Dataset) error
	FindByID(ctx context.Context, id string) (*model.Dataset, error)
	// UpdateModels 仅当知识库还没有数据或 embedding 模型不变时更新，返回是否更新成功
	UpdateModels(ctx context.Context, id, embeddingModel, agentModel string) (bool, error)
	Delete(ctx context.Context, id string) error
	ListIDs(ctx context.Context) ([]string, error)
}

type datasetRepository struct {
	db *gorm.DB
}

// NewDatasetRepository 创建一个新的 DatasetRepository 实例。
func NewDatasetRepository(db *gorm.DB) DatasetRepository {
	return &datasetRepository{db: db}
}

func (r *datasetRepository) Create(ctx context.Context, d *model.Dataset) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *datasetRepository) FindByID(ctx context.Context, id string) (*model.Dataset, error) {
	var d model.Dataset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *datasetRepository) UpdateModels(ctx context.Context, id, embeddingModel, agentModel string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Dataset{}).
		Where("id = ? AND (data_count = 0 OR embedding_model = ?)", id, embeddingModel).
		Updates(map[string]any{"embedding_model": embeddingModel, "agent_model": agentModel})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *datasetRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Dataset{}).Error
}

func (r *datasetRepository) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Dataset{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}
