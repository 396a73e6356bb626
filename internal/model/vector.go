package model

import "time"

// VectorRow 对应 dataset_vectors 表，sql 后端在关系库中保存向量时使用。
type VectorRow struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	TeamID       string    `gorm:"type:varchar(36);not null;index"`
	DatasetID    string    `gorm:"type:varchar(36);not null;index"`
	CollectionID string    `gorm:"type:varchar(36);not null;index"`
	DataID       string    `gorm:"type:varchar(36);not null;index"`
	Vector       []float32 `gorm:"type:text;serializer:json"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (VectorRow) TableName() string {
	return "dataset_vectors"
}
