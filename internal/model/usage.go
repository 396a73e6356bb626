package model

import "time"

// UsageSource 用量来源。
type UsageSource string

const (
	UsageTraining UsageSource = "training"
	UsageSearch   UsageSource = "search"
)

// Usage 对应 dataset_usages 表，由用量消费者从 Kafka 落库。
type Usage struct {
	ID           string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	TeamID       string      `gorm:"type:varchar(36);not null;index" json:"teamId"`
	TmbID        string      `gorm:"type:varchar(36)" json:"tmbId"`
	Source       UsageSource `gorm:"type:varchar(16);not null" json:"source"`
	Model        string      `gorm:"type:varchar(128);not null" json:"model"`
	InputTokens  int         `gorm:"not null;default:0" json:"inputTokens"`
	OutputTokens int         `gorm:"not null;default:0" json:"outputTokens"`
	DatasetID    string      `gorm:"type:varchar(36)" json:"datasetId"`
	CollectionID string      `gorm:"type:varchar(36)" json:"collectionId"`
	CreatedAt    time.Time   `json:"createdAt"`
}

func (Usage) TableName() string {
	return "dataset_usages"
}
