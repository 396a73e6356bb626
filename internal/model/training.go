package model

import "time"

// TrainingItem 对应 dataset_trainings 表，训练队列中的一个待处理分块或图片。
// 这张表写删频繁，与 dataset_datas 分开存放。
type TrainingItem struct {
	ID           string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	TeamID       string       `gorm:"type:varchar(36);not null;index" json:"teamId"`
	TmbID        string       `gorm:"type:varchar(36);not null" json:"tmbId"`
	DatasetID    string       `gorm:"type:varchar(36);not null;index" json:"datasetId"`
	CollectionID string       `gorm:"type:varchar(36);not null;index" json:"collectionId"`
	Mode         TrainingMode `gorm:"type:varchar(20);not null" json:"mode"`
	Model        string       `gorm:"type:varchar(100)" json:"model"`
	Q            string       `gorm:"type:text" json:"q"`
	A            string       `gorm:"type:text" json:"a"`
	// Indexes 备份导入或对账重建时携带的索引
	Indexes    []DataIndex `gorm:"type:text;serializer:json" json:"indexes"`
	ChunkIndex int         `gorm:"not null;default:0" json:"chunkIndex"`
	ImageID    string      `gorm:"type:varchar(255)" json:"imageId"`
	// DataID 非空时表示重建已有数据的向量
	DataID     string    `gorm:"type:varchar(36);index" json:"dataId"`
	RetryCount int       `gorm:"not null" json:"retryCount"`
	LockTime   time.Time `gorm:"not null;index" json:"lockTime"`
	ErrorMsg   *string   `gorm:"type:varchar(255)" json:"errorMsg"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (TrainingItem) TableName() string {
	return "dataset_trainings"
}

// Failed 重试预算耗尽并记录了原因。
func (t *TrainingItem) Failed() bool {
	return t.RetryCount == 0 && t.ErrorMsg != nil
}
