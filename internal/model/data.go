package model

import (
	"strings"
	"time"
)

// IndexType 索引条目类型。
type IndexType string

const (
	IndexChunk IndexType = "chunk"
	IndexQA    IndexType = "qa"
)

// MaxIndexes 单条数据最多的索引数量。
const MaxIndexes = 6

// DataIndex 数据的一个索引条目，每个条目对应一行向量。
type DataIndex struct {
	Type         IndexType `json:"type"`
	Text         string    `json:"text"`
	DefaultIndex bool      `json:"defaultIndex,omitempty"`
	// VectorID 对应向量索引中的行 id
	VectorID string `json:"vectorId,omitempty"`
}

// DataRecord 对应 dataset_datas 表，可检索内容的最小单元。
type DataRecord struct {
	ID           string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	TeamID       string      `gorm:"type:varchar(36);not null;index" json:"teamId"`
	TmbID        string      `gorm:"type:varchar(36);not null" json:"tmbId"`
	DatasetID    string      `gorm:"type:varchar(36);not null;index" json:"datasetId"`
	CollectionID string      `gorm:"type:varchar(36);not null;index" json:"collectionId"`
	Q            string      `gorm:"type:text;not null" json:"q"`
	A            string      `gorm:"type:text" json:"a"`
	ChunkIndex   int         `gorm:"not null;default:0" json:"chunkIndex"`
	ImageID      string      `gorm:"type:varchar(255)" json:"imageId"`
	Indexes      []DataIndex `gorm:"type:text;serializer:json" json:"indexes"`
	// FullTextTokens 空格拼接的词元，倒排行在 dataset_data_texts
	FullTextTokens string    `gorm:"type:text" json:"fullTextTokens"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (DataRecord) TableName() string {
	return "dataset_datas"
}

// DataText 对应 dataset_data_texts 表，全文检索的倒排行。
type DataText struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TeamID       string `gorm:"type:varchar(36);not null"`
	DatasetID    string `gorm:"type:varchar(36);not null;index:idx_text_token,priority:1"`
	CollectionID string `gorm:"type:varchar(36);not null;index"`
	DataID       string `gorm:"type:varchar(36);not null;index"`
	Token        string `gorm:"type:varchar(64);not null;index:idx_text_token,priority:2"`
}

func (DataText) TableName() string {
	return "dataset_data_texts"
}

// DefaultIndexText 默认索引文本为 q 与 a 以换行拼接。
func DefaultIndexText(q, a string) string {
	q, a = strings.TrimSpace(q), strings.TrimSpace(a)
	if a == "" {
		return q
	}
	if q == "" {
		return a
	}
	return q + "\n" + a
}

// NormalizeIndexes 去掉旧的向量 id，补齐默认索引并截断到 MaxIndexes，默认索引排在首位。
func NormalizeIndexes(q, a string, indexes []DataIndex) []DataIndex {
	def := DefaultIndexText(q, a)
	typ := IndexChunk
	if strings.TrimSpace(a) != "" {
		typ = IndexQA
	}
	out := []DataIndex{{Type: typ, Text: def, DefaultIndex: true}}
	for _, idx := range indexes {
		text := strings.TrimSpace(idx.Text)
		if text == "" || text == def {
			continue
		}
		t := idx.Type
		if t == "" {
			t = IndexChunk
		}
		out = append(out, DataIndex{Type: t, Text: text})
		if len(out) == MaxIndexes {
			break
		}
	}
	return out
}
