// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Dataset 对应 datasets 表，团队所有的知识库。
type Dataset struct {
	ID             string `gorm:"type:varchar(36);primaryKey" json:"id"`
	TeamID         string `gorm:"type:varchar(36);not null;index" json:"teamId"`
	OwnerID        string `gorm:"type:varchar(36);not null" json:"ownerId"`
	Name           string `gorm:"type:varchar(255);not null" json:"name"`
	EmbeddingModel string `gorm:"type:varchar(100);not null" json:"embeddingModel"`
	// AgentModel 用于 QA 拆分与图片描述
	AgentModel string `gorm:"type:varchar(100)" json:"agentModel"`
	// DataCount 随数据写入/删除在同一事务中维护
	DataCount int64     `gorm:"not null;default:0" json:"dataCount"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Dataset) TableName() string {
	return "datasets"
}
