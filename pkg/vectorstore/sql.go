package vectorstore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dataset-trainer-go/internal/model"
)

// SQL 把向量保存在业务库的 dataset_vectors 表，按过滤条件取出候选后在进程内计算相似度。
// 适合小规模部署，数据量大时应切换到 es、pgvector 或 milvus。
type SQL struct {
	db  *gorm.DB
	dim int
}

func NewSQL(db *gorm.DB, dim int) *SQL {
	return &SQL{db: db, dim: dim}
}

func (s *SQL) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkRows(s.dim, rows); err != nil {
		return err
	}
	records := make([]model.VectorRow, len(rows))
	for i, r := range rows {
		records[i] = model.VectorRow{
			ID:           r.ID,
			TeamID:       r.TeamID,
			DatasetID:    r.DatasetID,
			CollectionID: r.CollectionID,
			DataID:       r.DataID,
			Vector:       r.Vector,
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vector", "data_id", "collection_id"}),
	}).Create(&records).Error
}

func (s *SQL) DeleteByIDs(ctx context.Context, teamID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("team_id = ? AND id IN ?", teamID, ids).
		Delete(&model.VectorRow{}).Error
}

func (s *SQL) DeleteByCollections(ctx context.Context, teamID string, collectionIDs []string) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("team_id = ? AND collection_id IN ?", teamID, collectionIDs).
		Delete(&model.VectorRow{}).Error
}

func (s *SQL) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]Hit, error) {
	if len(f.DatasetIDs) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Model(&model.VectorRow{}).
		Where("team_id = ? AND dataset_id IN ?", f.TeamID, f.DatasetIDs)
	if len(f.CollectionIDs) > 0 {
		q = q.Where("collection_id IN ?", f.CollectionIDs)
	}
	if len(f.ExcludeCollectionIDs) > 0 {
		q = q.Where("collection_id NOT IN ?", f.ExcludeCollectionIDs)
	}

	var hits []Hit
	var batch []model.VectorRow
	err := q.FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
		for _, r := range batch {
			hits = append(hits, Hit{
				ID:           r.ID,
				DataID:       r.DataID,
				CollectionID: r.CollectionID,
				DatasetID:    r.DatasetID,
				Score:        Cosine(vector, r.Vector),
			})
		}
		// 只保留当前最优的 topK，避免候选集整体驻留内存
		hits = sortHits(hits, topK)
		return nil
	}).Error
	if err != nil {
		return nil, err
	}
	return sortHits(hits, topK), nil
}

func (s *SQL) List(ctx context.Context, datasetID, afterID string, limit int) ([]Ref, error) {
	var rows []model.VectorRow
	err := s.db.WithContext(ctx).
		Select("id", "data_id", "collection_id").
		Where("dataset_id = ? AND id > ?", datasetID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, len(rows))
	for i, r := range rows {
		refs[i] = Ref{ID: r.ID, DataID: r.DataID, CollectionID: r.CollectionID}
	}
	return refs, nil
}

func (s *SQL) Close() error { return nil }
