package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dataset-trainer-go/internal/model"
)

// UsageRepository 用量记录，按事件 id 幂等写入。
type UsageRepository interface {
	Create(ctx context.Context, u *model.Usage) error
	SumByTeam(ctx context.Context, teamID string) (input, output int64, err error)
}

type usageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

func (r *usageRepository) Create(ctx context.Context, u *model.Usage) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error
}

func (r *usageRepository) SumByTeam(ctx context.Context, teamID string) (int64, int64, error) {
	var row struct {
		Input  int64
		Output int64
	}
	err := r.db.WithContext(ctx).Model(&model.Usage{}).
		Select("COALESCE(SUM(input_tokens), 0) AS input, COALESCE(SUM(output_tokens), 0) AS output").
		Where("team_id = ?", teamID).
		Scan(&row).Error
	return row.Input, row.Output, err
}
