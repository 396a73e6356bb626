package model

import "time"

// SourceType 集合内容来源。
type SourceType string

const (
	SourceText    SourceType = "text"
	SourceFile    SourceType = "file"
	SourceLink    SourceType = "link"
	SourceImages  SourceType = "images"
	SourceVirtual SourceType = "virtual"
	SourceFolder  SourceType = "folder"
)

// HasContent 目录与虚拟集合没有可解析的内容。
func (s SourceType) HasContent() bool {
	return s != SourceFolder && s != SourceVirtual
}

// TrainingMode 集合的训练方式，同时也是队列条目的处理方式。
type TrainingMode string

const (
	ModeChunk      TrainingMode = "chunk"
	ModeQA         TrainingMode = "qa"
	ModeImageParse TrainingMode = "imageParse"
	ModeBackup     TrainingMode = "backup"
)

// Collection 对应 dataset_collections 表，知识库中的一个文档或目录。
type Collection struct {
	ID        string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	TeamID    string     `gorm:"type:varchar(36);not null;index" json:"teamId"`
	TmbID     string     `gorm:"type:varchar(36);not null" json:"tmbId"`
	DatasetID string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_collection_hash,priority:1;index" json:"datasetId"`
	ParentID  *string    `gorm:"type:varchar(36);index" json:"parentId"`
	Name      string     `gorm:"type:varchar(255);not null" json:"name"`
	Type      SourceType `gorm:"type:varchar(20);not null" json:"type"`
	// TrainingMode 目录为空
	TrainingMode TrainingMode `gorm:"type:varchar(20)" json:"trainingMode"`
	// ContentHash 为 nil 表示没有内容（目录/虚拟集合）
	ContentHash   *string   `gorm:"type:varchar(64);uniqueIndex:idx_collection_hash,priority:2" json:"contentHash"`
	RawTextLength int       `gorm:"not null;default:0" json:"rawTextLength"`
	BlobID        string    `gorm:"type:varchar(255)" json:"blobId"`
	RawLink       string    `gorm:"type:varchar(1024)" json:"rawLink"`
	ChunkSize     int       `gorm:"not null;default:0" json:"chunkSize"`
	OverlapRatio  float64   `gorm:"not null;default:0" json:"overlapRatio"`
	Delimiters    []string  `gorm:"type:text;serializer:json" json:"delimiters"`
	Forbid        bool      `gorm:"not null;default:false" json:"forbid"`
	Deleting      bool      `gorm:"not null;default:false" json:"deleting"`
	DataCount     int64     `gorm:"not null;default:0" json:"dataCount"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Collection) TableName() string {
	return "dataset_collections"
}

// CollectionPhase 由队列与数据计数推导出的状态，不落库。
type CollectionPhase string

const (
	PhaseQueued           CollectionPhase = "queued"
	PhasePartiallyIndexed CollectionPhase = "partiallyIndexed"
	PhaseFullyIndexed     CollectionPhase = "fullyIndexed"
)

// CollectionStatus GetCollectionStatus 的返回值。
type CollectionStatus struct {
	CollectionID string          `json:"collectionId"`
	Phase        CollectionPhase `json:"phase"`
	Forbid       bool            `json:"forbid"`
	PendingCount int64           `json:"pendingCount"`
	FailedCount  int64           `json:"failedCount"`
	IndexedCount int64           `json:"indexedCount"`
}

// DerivePhase 根据计数推导状态：队列中没有剩余条目即视为全部完成。
func DerivePhase(pending, failed, indexed int64) CollectionPhase {
	switch {
	case pending == 0 && failed == 0:
		return PhaseFullyIndexed
	case indexed == 0:
		return PhaseQueued
	default:
		return PhasePartiallyIndexed
	}
}
