package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/lexical"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/storage"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/token"
	"dataset-trainer-go/pkg/vectorstore"
)

const (
	defaultDataPageSize = 30
	maxDataPageSize     = 200
)

// DataInput 手动写入或修改的数据内容。
type DataInput struct {
	Q       string            `json:"q"`
	A       string            `json:"a"`
	Indexes []model.DataIndex `json:"indexes"`
}

// DataPage 集合内数据的一页，Total 为集合的数据总数。
type DataPage struct {
	Total int64              `json:"total"`
	Items []model.DataRecord `json:"items"`
}

// DataService 接口定义了单条数据的增删改查操作，写入时同步生成向量。
type DataService interface {
	Insert(ctx context.Context, p Principal, collectionID string, in DataInput) (*model.DataRecord, error)
	Get(ctx context.Context, p Principal, dataID string) (*model.DataRecord, error)
	// Update 只为新增或内容变化的索引重新生成向量
	Update(ctx context.Context, p Principal, dataID string, in DataInput) (*model.DataRecord, error)
	Delete(ctx context.Context, p Principal, dataID string) error
	List(ctx context.Context, p Principal, collectionID string, offset, limit int) (*DataPage, error)
}

type dataService struct {
	collections repository.CollectionRepository
	data        repository.DataRepository
	training    repository.TrainingRepository
	vectors     vectorstore.Store
	embedder    embedding.Client
	blobs       storage.BlobStore
	usage       tasks.UsageSink
	auth        Authorizer
}

// NewDataService 创建一个新的 DataService 实例，blobs 为空时删除数据不清理图片。
func NewDataService(collections repository.CollectionRepository, data repository.DataRepository,
	training repository.TrainingRepository, vectors vectorstore.Store, embedder embedding.Client,
	blobs storage.BlobStore, usage tasks.UsageSink, auth Authorizer) DataService {
	return &dataService{
		collections: collections,
		data:        data,
		training:    training,
		vectors:     vectors,
		embedder:    embedder,
		blobs:       blobs,
		usage:       usage,
		auth:        auth,
	}
}

func (s *dataService) collection(ctx context.Context, p Principal, id string, need token.Permission) (*model.Collection, Grant, error) {
	c, err := s.collections.FindByID(ctx, id)
	if err != nil {
		return nil, Grant{}, mapRepoErr(err)
	}
	g, err := s.auth.Authorize(ctx, p, c.TeamID, need)
	if err != nil {
		return nil, Grant{}, err
	}
	return c, g, nil
}

func (s *dataService) record(ctx context.Context, p Principal, id string, need token.Permission) (*model.DataRecord, Grant, error) {
	rec, err := s.data.FindByID(ctx, id)
	if err != nil {
		return nil, Grant{}, mapRepoErr(err)
	}
	g, err := s.auth.Authorize(ctx, p, rec.TeamID, need)
	if err != nil {
		return nil, Grant{}, err
	}
	return rec, g, nil
}

func (s *dataService) Insert(ctx context.Context, p Principal, collectionID string, in DataInput) (*model.DataRecord, error) {
	if strings.TrimSpace(in.Q) == "" {
		return nil, fmt.Errorf("%w: q 不能为空", ErrInvalidArgument)
	}
	c, g, err := s.collection(ctx, p, collectionID, token.PermWrite)
	if err != nil {
		return nil, err
	}
	if !c.Type.HasContent() {
		return nil, fmt.Errorf("%w: 目录与虚拟集合不能写入数据", ErrInvalidArgument)
	}
	if c.Deleting {
		return nil, ErrCollectionDeleting
	}

	rec := &model.DataRecord{
		ID:           uuid.NewString(),
		TeamID:       c.TeamID,
		TmbID:        g.TmbID,
		DatasetID:    c.DatasetID,
		CollectionID: c.ID,
		Q:            in.Q,
		A:            in.A,
		ChunkIndex:   int(c.DataCount),
		Indexes:      model.NormalizeIndexes(in.Q, in.A, in.Indexes),
	}
	rows, err := s.embed(ctx, g, rec, nil)
	if err != nil {
		return nil, err
	}
	ids := rowIDs(rows)
	if err := s.vectors.Upsert(ctx, rows); err != nil {
		return nil, err
	}
	if err := s.data.Insert(ctx, rec); err != nil {
		s.compensate(rec.TeamID, ids)
		if errors.Is(err, repository.ErrCollectionGone) {
			return nil, ErrCollectionDeleting
		}
		return nil, err
	}
	log.Infof("[DataService] 写入数据, collection: %s, data: %s, indexes: %d", c.ID, rec.ID, len(rec.Indexes))
	return rec, nil
}

func (s *dataService) Get(ctx context.Context, p Principal, dataID string) (*model.DataRecord, error) {
	rec, _, err := s.record(ctx, p, dataID, token.PermRead)
	return rec, err
}

func (s *dataService) Update(ctx context.Context, p Principal, dataID string, in DataInput) (*model.DataRecord, error) {
	rec, g, err := s.record(ctx, p, dataID, token.PermWrite)
	if err != nil {
		return nil, err
	}
	c, err := s.collections.FindByID(ctx, rec.CollectionID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if c.Deleting {
		return nil, ErrCollectionDeleting
	}
	q := in.Q
	if strings.TrimSpace(q) == "" {
		q = rec.Q
	}

	// 进行中的重建条目作废，避免覆盖本次修改
	if _, err := s.training.DeleteByData(ctx, []string{rec.ID}); err != nil {
		return nil, err
	}

	old := rec.Indexes
	rec.Q, rec.A = q, in.A
	rec.Indexes = model.NormalizeIndexes(q, in.A, in.Indexes)
	kept := make(map[string]bool)
	for i := range rec.Indexes {
		for _, o := range old {
			if o.VectorID != "" && o.Text == rec.Indexes[i].Text && !kept[o.VectorID] {
				rec.Indexes[i].VectorID = o.VectorID
				kept[o.VectorID] = true
				break
			}
		}
	}

	rows, err := s.embed(ctx, g, rec, kept)
	if err != nil {
		return nil, err
	}
	ids := rowIDs(rows)
	if len(rows) > 0 {
		if err := s.vectors.Upsert(ctx, rows); err != nil {
			return nil, err
		}
	}
	rec.UpdatedAt = time.Now()
	if err := s.data.Update(ctx, rec); err != nil {
		s.compensate(rec.TeamID, ids)
		return nil, mapRepoErr(err)
	}

	var stale []string
	for _, o := range old {
		if o.VectorID != "" && !kept[o.VectorID] {
			stale = append(stale, o.VectorID)
		}
	}
	s.compensate(rec.TeamID, stale)
	log.Infof("[DataService] 更新数据, data: %s, embedded: %d, removed: %d", rec.ID, len(rows), len(stale))
	return rec, nil
}

func (s *dataService) Delete(ctx context.Context, p Principal, dataID string) error {
	rec, _, err := s.record(ctx, p, dataID, token.PermWrite)
	if err != nil {
		return err
	}
	if _, err := s.training.DeleteByData(ctx, []string{rec.ID}); err != nil {
		return err
	}
	var ids []string
	for _, idx := range rec.Indexes {
		if idx.VectorID != "" {
			ids = append(ids, idx.VectorID)
		}
	}
	if len(ids) > 0 {
		if err := s.vectors.DeleteByIDs(ctx, rec.TeamID, ids); err != nil {
			return err
		}
	}
	if err := s.data.Delete(ctx, rec); err != nil {
		return mapRepoErr(err)
	}
	if rec.ImageID != "" && s.blobs != nil {
		if err := s.blobs.Delete(context.Background(), rec.ImageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warnf("[DataService] 删除图片失败, key: %s, error: %v", rec.ImageID, err)
		}
	}
	log.Infof("[DataService] 删除数据, collection: %s, data: %s", rec.CollectionID, rec.ID)
	return nil
}

func (s *dataService) List(ctx context.Context, p Principal, collectionID string, offset, limit int) (*DataPage, error) {
	c, _, err := s.collection(ctx, p, collectionID, token.PermRead)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultDataPageSize
	}
	if limit > maxDataPageSize {
		limit = maxDataPageSize
	}
	items, err := s.data.ListByCollection(ctx, c.ID, offset, limit)
	if err != nil {
		return nil, err
	}
	return &DataPage{Total: c.DataCount, Items: items}, nil
}

// embed 为没有可复用向量的索引生成向量行，并刷新全文词元。
func (s *dataService) embed(ctx context.Context, g Grant, rec *model.DataRecord, kept map[string]bool) ([]vectorstore.Row, error) {
	var pos []int
	var texts []string
	for i, idx := range rec.Indexes {
		if idx.VectorID != "" && kept[idx.VectorID] {
			continue
		}
		pos = append(pos, i)
		texts = append(texts, idx.Text)
	}
	rec.FullTextTokens = lexical.Join(lexical.Tokenize(model.DefaultIndexText(rec.Q, rec.A), lexical.LocaleAuto))
	if len(texts) == 0 {
		return nil, nil
	}
	res, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(res.Vectors) != len(texts) {
		return nil, fmt.Errorf("向量数量不匹配: %d != %d", len(res.Vectors), len(texts))
	}
	if res.Tokens > 0 {
		s.usage.Record(tasks.UsageEvent{
			ID:           uuid.NewString(),
			TeamID:       rec.TeamID,
			TmbID:        g.TmbID,
			Source:       string(model.UsageTraining),
			Model:        s.embedder.Model(),
			InputTokens:  res.Tokens,
			DatasetID:    rec.DatasetID,
			CollectionID: rec.CollectionID,
			CreatedAt:    time.Now().UTC(),
		})
	}
	rows := make([]vectorstore.Row, 0, len(texts))
	for k, i := range pos {
		id := uuid.NewString()
		rec.Indexes[i].VectorID = id
		rows = append(rows, vectorstore.Row{
			ID:           id,
			TeamID:       rec.TeamID,
			DatasetID:    rec.DatasetID,
			CollectionID: rec.CollectionID,
			DataID:       rec.ID,
			Vector:       res.Vectors[k],
		})
	}
	return rows, nil
}

func (s *dataService) compensate(teamID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.vectors.DeleteByIDs(context.Background(), teamID, ids); err != nil {
		log.Warnf("[DataService] 清理向量失败，等待对账, count: %d, error: %v", len(ids), err)
	}
}

func rowIDs(rows []vectorstore.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
