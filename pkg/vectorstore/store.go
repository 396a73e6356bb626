// Package vectorstore 向量索引的后端抽象，按配置选择 es、pgvector、milvus、sql 或 memory。
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gorm.io/gorm"

	"dataset-trainer-go/internal/config"
)

// ErrDimension 写入的向量与索引维度不一致。
var ErrDimension = errors.New("vector dimension mismatch")

// Row 一条向量行，ID 由调用方生成并写回 DataIndex.VectorID。
type Row struct {
	ID           string
	TeamID       string
	DatasetID    string
	CollectionID string
	DataID       string
	Vector       []float32
}

// Filter 检索的过滤条件，TeamID 与 DatasetIDs 必填。
type Filter struct {
	TeamID     string
	DatasetIDs []string
	// CollectionIDs 非空时只在这些集合中检索
	CollectionIDs []string
	// ExcludeCollectionIDs 被禁用或正在删除的集合
	ExcludeCollectionIDs []string
}

// Hit 一条检索命中，Score 为余弦相似度，越大越相近。
type Hit struct {
	ID           string
	DataID       string
	CollectionID string
	DatasetID    string
	Score        float64
}

// Ref 对账时列出的向量行。
type Ref struct {
	ID           string
	DataID       string
	CollectionID string
}

// Store 向量索引。
type Store interface {
	Upsert(ctx context.Context, rows []Row) error
	DeleteByIDs(ctx context.Context, teamID string, ids []string) error
	DeleteByCollections(ctx context.Context, teamID string, collectionIDs []string) error
	Search(ctx context.Context, vector []float32, topK int, f Filter) ([]Hit, error)
	// List 按 id 升序分页列出某个知识库的向量行，afterID 为上一页最后一个 id
	List(ctx context.Context, datasetID, afterID string, limit int) ([]Ref, error)
	Close() error
}

// New 按 cfg.Vector.Backend 创建向量索引，sql 后端复用业务库连接。
func New(ctx context.Context, cfg *config.Config, db *gorm.DB) (Store, error) {
	dim := cfg.Vector.Dimensions
	switch cfg.Vector.Backend {
	case "sql":
		return NewSQL(db, dim), nil
	case "memory":
		return NewMemory(dim), nil
	case "es":
		return NewElasticsearch(ctx, cfg.Elasticsearch, dim)
	case "pgvector":
		return NewPGVector(ctx, cfg.PGVector, dim)
	case "milvus":
		return NewMilvus(ctx, cfg.Milvus, dim)
	default:
		return nil, fmt.Errorf("%w: vector.backend=%s", config.ErrUnknownBackend, cfg.Vector.Backend)
	}
}

// Cosine 计算两个向量的余弦相似度，任一为零向量时返回 0。
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func checkRows(dim int, rows []Row) error {
	if dim <= 0 {
		return nil
	}
	for _, r := range rows {
		if len(r.Vector) != dim {
			return fmt.Errorf("%w: row %s has %d, want %d", ErrDimension, r.ID, len(r.Vector), dim)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// allowed 判断一行是否满足过滤条件，memory 与 sql 后端共用。
func (f Filter) allowed(teamID, datasetID, collectionID string) bool {
	if teamID != f.TeamID || !contains(f.DatasetIDs, datasetID) {
		return false
	}
	if len(f.CollectionIDs) > 0 && !contains(f.CollectionIDs, collectionID) {
		return false
	}
	return !contains(f.ExcludeCollectionIDs, collectionID)
}

// sortHits 按分数降序，分数相同按 id 升序以保证结果稳定。
func sortHits(hits []Hit, topK int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
