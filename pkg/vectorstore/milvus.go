package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/pkg/log"
)

const milvusIDMaxLen = 64

// Milvus 基于 Milvus 的向量索引，过滤字段建立 INVERTED 标量索引。
type Milvus struct {
	client     client.Client
	collection string
	dim        int
}

func NewMilvus(ctx context.Context, cfg config.MilvusConfig, dim int) (*Milvus, error) {
	connectParam := client.Config{Address: cfg.Address, DBName: cfg.Database}
	if cfg.Username != "" && cfg.Password != "" {
		connectParam.Username = cfg.Username
		connectParam.Password = cfg.Password
	}
	c, err := client.NewClient(ctx, connectParam)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}
	m := &Milvus{client: c, collection: cfg.Collection, dim: dim}
	if err := m.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return m, nil
}

func varcharField(name string, primary bool) *entity.Field {
	f := entity.NewField().
		WithName(name).
		WithDataType(entity.FieldTypeVarChar).
		WithMaxLength(milvusIDMaxLen)
	if primary {
		f = f.WithIsPrimaryKey(true).WithIsAutoID(false)
	}
	return f
}

func (m *Milvus) ensureCollection(ctx context.Context) error {
	exists, err := m.client.HasCollection(ctx, m.collection)
	if err != nil {
		return fmt.Errorf("failed to check %s collection existence: %w", m.collection, err)
	}
	if !exists {
		log.Infof("[VectorMilvus] 创建集合 %s, dim: %d", m.collection, m.dim)
		schema := entity.NewSchema().
			WithName(m.collection).
			WithDescription("Dataset vectors").
			WithAutoID(false).
			WithDynamicFieldEnabled(false).
			WithField(varcharField("id", true)).
			WithField(varcharField("team_id", false)).
			WithField(varcharField("dataset_id", false)).
			WithField(varcharField("collection_id", false)).
			WithField(varcharField("data_id", false)).
			WithField(entity.NewField().
				WithName("vector").
				WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(m.dim)))

		if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		vectorIndex, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
		if err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
		if err := m.client.CreateIndex(ctx, m.collection, "vector", vectorIndex, false, client.WithIndexName("vector_index")); err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
		for _, field := range []string{"team_id", "dataset_id", "collection_id"} {
			idx := entity.NewScalarIndexWithType(entity.Inverted)
			if err := m.client.CreateIndex(ctx, m.collection, field, idx, false, client.WithIndexName(field+"_index")); err != nil {
				return fmt.Errorf("failed to create %s index: %w", field, err)
			}
		}
	}
	if err := m.client.LoadCollection(ctx, m.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func (m *Milvus) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkRows(m.dim, rows); err != nil {
		return err
	}
	n := len(rows)
	ids, teams, datasets, colls, datas := make([]string, n), make([]string, n), make([]string, n), make([]string, n), make([]string, n)
	vectors := make([][]float32, n)
	for i, r := range rows {
		ids[i], teams[i], datasets[i], colls[i], datas[i] = r.ID, r.TeamID, r.DatasetID, r.CollectionID, r.DataID
		vectors[i] = r.Vector
	}
	columns := []entity.Column{
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("team_id", teams),
		entity.NewColumnVarChar("dataset_id", datasets),
		entity.NewColumnVarChar("collection_id", colls),
		entity.NewColumnVarChar("data_id", datas),
		entity.NewColumnFloatVector("vector", len(vectors[0]), vectors),
	}
	if _, err := m.client.Upsert(ctx, m.collection, "", columns...); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return m.client.Flush(ctx, m.collection, false)
}

func (m *Milvus) delete(ctx context.Context, expr string) error {
	if err := m.client.Delete(ctx, m.collection, "", expr); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return m.client.Flush(ctx, m.collection, false)
}

func (m *Milvus) DeleteByIDs(ctx context.Context, teamID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return m.delete(ctx, fmt.Sprintf(`team_id == %s && id in %s`, strconv.Quote(teamID), quoteList(ids)))
}

func (m *Milvus) DeleteByCollections(ctx context.Context, teamID string, collectionIDs []string) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	return m.delete(ctx, fmt.Sprintf(`team_id == %s && collection_id in %s`, strconv.Quote(teamID), quoteList(collectionIDs)))
}

func varcharAt(col entity.Column, i int) string {
	if c, ok := col.(*entity.ColumnVarChar); ok {
		if v, err := c.ValueByIdx(i); err == nil {
			return v
		}
	}
	return ""
}

func (m *Milvus) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]Hit, error) {
	if len(f.DatasetIDs) == 0 {
		return nil, nil
	}
	expr := fmt.Sprintf(`team_id == %s && dataset_id in %s`, strconv.Quote(f.TeamID), quoteList(f.DatasetIDs))
	if len(f.CollectionIDs) > 0 {
		expr += " && collection_id in " + quoteList(f.CollectionIDs)
	}
	if len(f.ExcludeCollectionIDs) > 0 {
		expr += " && collection_id not in " + quoteList(f.ExcludeCollectionIDs)
	}
	sp, _ := entity.NewIndexHNSWSearchParam(64)
	results, err := m.client.Search(
		ctx,
		m.collection,
		[]string{},
		expr,
		[]string{"data_id", "collection_id", "dataset_id"},
		[]entity.Vector{entity.FloatVector(vector)},
		"vector",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	var hits []Hit
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			id, _ := result.IDs.Get(i)
			h := Hit{ID: fmt.Sprintf("%v", id), Score: float64(result.Scores[i])}
			for _, field := range result.Fields {
				switch field.Name() {
				case "data_id":
					h.DataID = varcharAt(field, i)
				case "collection_id":
					h.CollectionID = varcharAt(field, i)
				case "dataset_id":
					h.DatasetID = varcharAt(field, i)
				}
			}
			hits = append(hits, h)
		}
	}
	return sortHits(hits, topK), nil
}

// List Milvus 的 query 不保证按主键排序，这里取出 id > afterID 的全部行后在本地排序截断。
// TODO: 单个知识库超过 query 输出上限后改用 QueryIterator 分批读取。
func (m *Milvus) List(ctx context.Context, datasetID, afterID string, limit int) ([]Ref, error) {
	expr := fmt.Sprintf(`dataset_id == %s && id > %s`, strconv.Quote(datasetID), strconv.Quote(afterID))
	cols, err := m.client.Query(ctx, m.collection, []string{}, expr, []string{"id", "data_id", "collection_id"})
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	if len(cols) == 0 {
		return nil, nil
	}
	var refs []Ref
	for i := 0; i < cols[0].Len(); i++ {
		var r Ref
		for _, col := range cols {
			switch col.Name() {
			case "id":
				r.ID = varcharAt(col, i)
			case "data_id":
				r.DataID = varcharAt(col, i)
			case "collection_id":
				r.CollectionID = varcharAt(col, i)
			}
		}
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *Milvus) Close() error {
	return m.client.Close()
}
