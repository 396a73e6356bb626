package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/dedup"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/splitter"
	"dataset-trainer-go/pkg/storage"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/token"
	"dataset-trainer-go/pkg/tokens"
	"dataset-trainer-go/pkg/vectorstore"
)

// CreateCollectionRequest 导入请求，Source 决定内容来源。
type CreateCollectionRequest struct {
	DatasetID    string
	ParentID     *string
	Name         string
	Source       normalize.Source
	TrainingMode model.TrainingMode
	// 以下为空时使用配置中的默认值
	ChunkSize    int
	OverlapRatio *float64
	Delimiters   []string
}

// CreateCollectionResult 导入结果，Created 为 false 表示命中了已有的相同内容。
type CreateCollectionResult struct {
	CollectionID string `json:"collectionId"`
	Created      bool   `json:"created"`
	QueuedCount  int    `json:"queuedCount"`
}

// FailedItem 失败条目，只暴露原因编码。
type FailedItem struct {
	ID         string          `json:"id"`
	ChunkIndex int             `json:"chunkIndex"`
	Preview    string          `json:"preview"`
	ImageID    string          `json:"imageId,omitempty"`
	ErrorMsg   string          `json:"errorMsg"`
	UpdateTime model.LocalTime `json:"updateTime"`
}

// CollectionService 接口定义了集合导入、状态与删除等操作。
type CollectionService interface {
	Create(ctx context.Context, p Principal, req CreateCollectionRequest) (*CreateCollectionResult, error)
	Status(ctx context.Context, p Principal, collectionID string) (*model.CollectionStatus, error)
	ListFailed(ctx context.Context, p Principal, collectionID string) ([]FailedItem, error)
	// Retry 重置失败条目，itemID 为空时重置集合内全部失败条目
	Retry(ctx context.Context, p Principal, collectionID, itemID string) (int64, error)
	// Delete 删除集合及其子集合，可重复调用以继续未完成的删除
	Delete(ctx context.Context, p Principal, collectionID string) error
	// SetForbid 设置集合及全部子集合的禁用状态，返回受影响的集合 id
	SetForbid(ctx context.Context, p Principal, collectionID string, forbid bool) ([]string, error)
	List(ctx context.Context, p Principal, datasetID string, parentID *string) ([]model.Collection, error)
}

type collectionService struct {
	cfg         *config.Store
	datasets    repository.DatasetRepository
	collections repository.CollectionRepository
	training    repository.TrainingRepository
	data        repository.DataRepository
	vectors     vectorstore.Store
	blobs       storage.BlobStore
	normalizer  *normalize.Normalizer
	guard       *dedup.Guard
	counter     tokens.Counter
	notifier    Notifier
	auth        Authorizer
}

// NewCollectionService 创建一个新的 CollectionService 实例，blobs 为空时不保存文件原件。
func NewCollectionService(cfg *config.Store, datasets repository.DatasetRepository, collections repository.CollectionRepository,
	training repository.TrainingRepository, data repository.DataRepository, vectors vectorstore.Store, blobs storage.BlobStore,
	normalizer *normalize.Normalizer, guard *dedup.Guard, counter tokens.Counter, notifier Notifier, auth Authorizer) CollectionService {
	return &collectionService{
		cfg:         cfg,
		datasets:    datasets,
		collections: collections,
		training:    training,
		data:        data,
		vectors:     vectors,
		blobs:       blobs,
		normalizer:  normalizer,
		guard:       guard,
		counter:     counter,
		notifier:    notifier,
		auth:        auth,
	}
}

func (s *collectionService) dataset(ctx context.Context, p Principal, id string, need token.Permission) (*model.Dataset, Grant, error) {
	ds, err := s.datasets.FindByID(ctx, id)
	if err != nil {
		return nil, Grant{}, mapRepoErr(err)
	}
	g, err := s.auth.Authorize(ctx, p, ds.TeamID, need)
	if err != nil {
		return nil, Grant{}, err
	}
	return ds, g, nil
}

func (s *collectionService) collection(ctx context.Context, p Principal, id string, need token.Permission) (*model.Collection, Grant, error) {
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

// Create 同步完成解析、去重、切分与入队，返回时条目已写入队列。
func (s *collectionService) Create(ctx context.Context, p Principal, req CreateCollectionRequest) (*CreateCollectionResult, error) {
	if req.Source == nil {
		return nil, fmt.Errorf("%w: 缺少内容来源", ErrInvalidArgument)
	}
	ds, g, err := s.dataset(ctx, p, req.DatasetID, token.PermWrite)
	if err != nil {
		return nil, err
	}
	if req.ParentID != nil && *req.ParentID != "" {
		parent, err := s.collections.FindByID(ctx, *req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("%w: 父目录不存在", ErrInvalidArgument)
		}
		if parent.DatasetID != ds.ID || parent.Type != model.SourceFolder {
			return nil, fmt.Errorf("%w: 父集合必须是同一知识库下的目录", ErrInvalidArgument)
		}
	} else {
		req.ParentID = nil
	}

	res, err := s.normalizer.Normalize(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg.Current()
	mode, err := resolveMode(req.Source, req.TrainingMode)
	if err != nil {
		return nil, err
	}

	c := &model.Collection{
		ID:        uuid.NewString(),
		TeamID:    g.TeamID,
		TmbID:     g.TmbID,
		DatasetID: ds.ID,
		ParentID:  req.ParentID,
		Name:      firstNonEmpty(req.Name, res.Title, string(res.Type)),
		Type:      res.Type,
	}
	if link, ok := req.Source.(normalize.Link); ok {
		c.RawLink = link.URL
	}
	if !res.Type.HasContent() {
		if err := s.collections.CreateWithItems(ctx, c, nil); err != nil {
			return nil, err
		}
		log.Infof("[CollectionService] 创建目录, dataset: %s, collection: %s", ds.ID, c.ID)
		return &CreateCollectionResult{CollectionID: c.ID, Created: true}, nil
	}

	claim, err := s.guard.Acquire(ctx, ds.ID, res.Fingerprint)
	if err != nil {
		return nil, err
	}
	defer claim.Release()
	if claim.Existing != nil {
		return s.existing(claim.Existing)
	}

	hash := claim.Hash
	c.ContentHash = &hash
	c.TrainingMode = mode
	c.RawTextLength = len([]rune(res.RawText))
	c.ChunkSize, c.OverlapRatio = chunkParams(cfg, mode, req)
	c.Delimiters = req.Delimiters

	stored, err := s.storeBlobs(ctx, c, req.Source, res)
	if err != nil {
		return nil, err
	}
	items, err := s.buildItems(cfg, ds, c, res, req)
	if err != nil {
		s.deleteBlobs(stored)
		return nil, err
	}

	if err := s.collections.CreateWithItems(ctx, c, items); err != nil {
		s.deleteBlobs(stored)
		if errors.Is(err, repository.ErrDuplicateContent) {
			existing, ferr := s.collections.FindByHash(ctx, ds.ID, hash)
			if ferr == nil {
				return s.existing(existing)
			}
		}
		return nil, err
	}
	log.Infof("[CollectionService] 导入集合, dataset: %s, collection: %s, mode: %s, items: %d", ds.ID, c.ID, mode, len(items))

	ev := tasks.TrainingWakeup{TeamID: c.TeamID, DatasetID: ds.ID, CollectionID: c.ID, Count: len(items)}
	if err := s.notifier.NotifyTraining(ctx, ev); err != nil {
		log.Warnf("[CollectionService] 发送训练唤醒失败，等待 worker 轮询, collection: %s, error: %v", c.ID, err)
	}
	return &CreateCollectionResult{CollectionID: c.ID, Created: true, QueuedCount: len(items)}, nil
}

func (s *collectionService) existing(c *model.Collection) (*CreateCollectionResult, error) {
	if c.Deleting {
		return nil, ErrCollectionDeleting
	}
	log.Infof("[CollectionService] 内容已导入，返回已有集合, collection: %s", c.ID)
	return &CreateCollectionResult{CollectionID: c.ID, Created: false}, nil
}

func resolveMode(src normalize.Source, requested model.TrainingMode) (model.TrainingMode, error) {
	switch src.(type) {
	case normalize.Backup:
		return model.ModeBackup, nil
	case normalize.Images:
		return model.ModeImageParse, nil
	}
	switch requested {
	case "", model.ModeChunk:
		return model.ModeChunk, nil
	case model.ModeQA:
		return model.ModeQA, nil
	default:
		return "", fmt.Errorf("%w: 训练方式 %s 与来源不匹配", ErrInvalidArgument, requested)
	}
}

func chunkParams(cfg *config.Config, mode model.TrainingMode, req CreateCollectionRequest) (int, float64) {
	size := req.ChunkSize
	if size <= 0 {
		size = cfg.Splitter.ChunkSize
		if mode == model.ModeQA {
			size = cfg.Splitter.QAChunkSize
		}
	}
	// QA 模式每个分块独立生成问答，不需要重叠
	if mode != model.ModeChunk {
		return size, 0
	}
	overlap := cfg.Splitter.OverlapRatio
	if req.OverlapRatio != nil {
		overlap = *req.OverlapRatio
	}
	return size, overlap
}

func (s *collectionService) buildItems(cfg *config.Config, ds *model.Dataset, c *model.Collection,
	res *normalize.Result, req CreateCollectionRequest) ([]model.TrainingItem, error) {
	now := repository.Now()
	newItem := func(i int) model.TrainingItem {
		return model.TrainingItem{
			ID:           uuid.NewString(),
			TeamID:       c.TeamID,
			TmbID:        c.TmbID,
			DatasetID:    c.DatasetID,
			CollectionID: c.ID,
			Mode:         c.TrainingMode,
			Model:        ds.EmbeddingModel,
			ChunkIndex:   i,
			RetryCount:   cfg.Training.RetryBudget,
			LockTime:     now,
		}
	}

	var items []model.TrainingItem
	switch c.TrainingMode {
	case model.ModeBackup:
		for i, row := range res.Rows {
			it := newItem(i)
			it.Q, it.A, it.Indexes = row.Q, row.A, row.ToIndexes()
			items = append(items, it)
		}
	case model.ModeImageParse:
		for i, img := range res.Images {
			it := newItem(i)
			it.Model = ds.AgentModel
			it.ImageID = imageKey(c, i, img.Name)
			items = append(items, it)
		}
	default:
		if c.OverlapRatio < 0 || c.OverlapRatio > 1 {
			return nil, fmt.Errorf("%w: overlapRatio 必须位于 [0,1]", ErrInvalidArgument)
		}
		chunks := splitter.Split(res.RawText, splitter.Options{
			ChunkSize:      c.ChunkSize,
			OverlapRatio:   c.OverlapRatio,
			Delimiters:     req.Delimiters,
			MaxSize:        cfg.Splitter.MaxSize,
			TriggerMinSize: c.ChunkSize,
			Counter:        s.counter,
			MaxTokens:      cfg.Embedding.MaxTokens,
		})
		for _, ch := range chunks {
			it := newItem(ch.Index)
			it.Q = ch.Text
			if c.TrainingMode == model.ModeQA {
				it.Model = ds.AgentModel
			}
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, normalize.ErrEmptyText
	}
	return items, nil
}

func blobKey(c *model.Collection, name string) string {
	return path.Join("datasets", c.DatasetID, c.ID, path.Base("/"+name))
}

func imageKey(c *model.Collection, i int, name string) string {
	return path.Join("datasets", c.DatasetID, c.ID, "images", fmt.Sprintf("%04d-%s", i, path.Base("/"+name)))
}

// storeBlobs 保存文件原件与图片，返回写入的 key 以便失败时回滚。
func (s *collectionService) storeBlobs(ctx context.Context, c *model.Collection, src normalize.Source, res *normalize.Result) ([]string, error) {
	var stored []string
	put := func(key string, data []byte, contentType string) error {
		if err := s.blobs.Put(ctx, key, data, contentType); err != nil {
			s.deleteBlobs(stored)
			return fmt.Errorf("保存文件失败: %w", err)
		}
		stored = append(stored, key)
		return nil
	}

	switch v := src.(type) {
	case normalize.File:
		if s.blobs == nil {
			return nil, nil
		}
		c.BlobID = blobKey(c, v.Name)
		if err := put(c.BlobID, v.Data, res.MimeType); err != nil {
			return nil, err
		}
	case normalize.Backup:
		if s.blobs == nil {
			return nil, nil
		}
		c.BlobID = blobKey(c, v.Name)
		if err := put(c.BlobID, v.Data, "text/csv"); err != nil {
			return nil, err
		}
	case normalize.Images:
		if s.blobs == nil {
			return nil, fmt.Errorf("%w: 未配置对象存储，无法导入图片", ErrInvalidArgument)
		}
		for i, img := range res.Images {
			if err := put(imageKey(c, i, img.Name), img.Data, img.ContentType); err != nil {
				return nil, err
			}
		}
	}
	return stored, nil
}

func (s *collectionService) deleteBlobs(keys []string) {
	for _, key := range keys {
		if err := s.blobs.Delete(context.Background(), key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warnf("[CollectionService] 删除文件失败, key: %s, error: %v", key, err)
		}
	}
}

func (s *collectionService) Status(ctx context.Context, p Principal, collectionID string) (*model.CollectionStatus, error) {
	c, _, err := s.collection(ctx, p, collectionID, token.PermRead)
	if err != nil {
		return nil, err
	}
	pending, failed, err := s.training.Stats(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &model.CollectionStatus{
		CollectionID: c.ID,
		Phase:        model.DerivePhase(pending, failed, c.DataCount),
		Forbid:       c.Forbid,
		PendingCount: pending,
		FailedCount:  failed,
		IndexedCount: c.DataCount,
	}, nil
}

func (s *collectionService) ListFailed(ctx context.Context, p Principal, collectionID string) ([]FailedItem, error) {
	c, _, err := s.collection(ctx, p, collectionID, token.PermRead)
	if err != nil {
		return nil, err
	}
	items, err := s.training.ListFailed(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out := make([]FailedItem, 0, len(items))
	for _, it := range items {
		f := FailedItem{
			ID:         it.ID,
			ChunkIndex: it.ChunkIndex,
			Preview:    preview(it.Q, 120),
			ImageID:    it.ImageID,
			UpdateTime: model.LocalTime(it.LockTime.Local()),
		}
		if it.ErrorMsg != nil {
			f.ErrorMsg = *it.ErrorMsg
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *collectionService) Retry(ctx context.Context, p Principal, collectionID, itemID string) (int64, error) {
	c, _, err := s.collection(ctx, p, collectionID, token.PermWrite)
	if err != nil {
		return 0, err
	}
	if c.Deleting {
		return 0, ErrCollectionDeleting
	}
	n, err := s.training.Retry(ctx, c.ID, itemID, s.cfg.Current().Training.RetryBudget)
	if err != nil {
		return 0, err
	}
	log.Infof("[CollectionService] 重置失败条目, collection: %s, item: %q, count: %d", c.ID, itemID, n)
	if n > 0 {
		ev := tasks.TrainingWakeup{TeamID: c.TeamID, DatasetID: c.DatasetID, CollectionID: c.ID, Count: int(n)}
		if err := s.notifier.NotifyTraining(ctx, ev); err != nil {
			log.Warnf("[CollectionService] 发送训练唤醒失败, collection: %s, error: %v", c.ID, err)
		}
	}
	return n, nil
}

// Delete 先标记删除并撤销租约，再按 向量 -> 数据 -> 队列 -> 集合 -> 文件 的顺序级联删除，子集合先删。
func (s *collectionService) Delete(ctx context.Context, p Principal, collectionID string) error {
	c, _, err := s.collection(ctx, p, collectionID, token.PermWrite)
	if err != nil {
		return err
	}
	return s.deleteTree(ctx, c)
}

func (s *collectionService) deleteTree(ctx context.Context, root *model.Collection) error {
	start := time.Now()
	ids, err := s.collections.Descendants(ctx, root.ID)
	if err != nil {
		return err
	}
	if err := s.collections.MarkDeleting(ctx, ids); err != nil {
		return fmt.Errorf("标记删除失败: %w", err)
	}
	if err := s.training.RevokeLeases(ctx, ids); err != nil {
		return fmt.Errorf("撤销租约失败: %w", err)
	}

	for i := len(ids) - 1; i >= 0; i-- {
		c := root
		if ids[i] != root.ID {
			c, err = s.collections.FindByID(ctx, ids[i])
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
		}
		if err := s.deleteOne(ctx, c); err != nil {
			return fmt.Errorf("删除集合 %s 失败: %w", c.ID, err)
		}
	}
	log.Infof("[CollectionService] 删除集合完成, root: %s, collections: %d, 耗时: %v", root.ID, len(ids), time.Since(start))
	return nil
}

func (s *collectionService) deleteOne(ctx context.Context, c *model.Collection) error {
	blobs := []string{}
	if c.BlobID != "" {
		blobs = append(blobs, c.BlobID)
	}
	if s.blobs != nil {
		for _, list := range []func(context.Context, string) ([]string, error){s.data.ImageIDs, s.training.ImageIDs} {
			keys, err := list(ctx, c.ID)
			if err != nil {
				return err
			}
			blobs = append(blobs, keys...)
		}
	}

	if err := s.vectors.DeleteByCollections(ctx, c.TeamID, []string{c.ID}); err != nil {
		return fmt.Errorf("删除向量失败: %w", err)
	}
	if _, err := s.data.DeleteByCollection(ctx, c); err != nil {
		return fmt.Errorf("删除数据失败: %w", err)
	}
	if _, err := s.training.DeleteByCollections(ctx, []string{c.ID}); err != nil {
		return fmt.Errorf("删除训练条目失败: %w", err)
	}
	if err := s.collections.Delete(ctx, c.ID); err != nil {
		return fmt.Errorf("删除集合记录失败: %w", err)
	}
	if s.blobs != nil {
		s.deleteBlobs(blobs)
	}
	return nil
}

func (s *collectionService) SetForbid(ctx context.Context, p Principal, collectionID string, forbid bool) ([]string, error) {
	c, _, err := s.collection(ctx, p, collectionID, token.PermWrite)
	if err != nil {
		return nil, err
	}
	ids, err := s.collections.Descendants(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := s.collections.SetForbid(ctx, ids, forbid); err != nil {
		return nil, err
	}
	log.Infof("[CollectionService] 设置禁用状态, root: %s, forbid: %t, collections: %d", c.ID, forbid, len(ids))
	return ids, nil
}

func (s *collectionService) List(ctx context.Context, p Principal, datasetID string, parentID *string) ([]model.Collection, error) {
	ds, _, err := s.dataset(ctx, p, datasetID, token.PermRead)
	if err != nil {
		return nil, err
	}
	return s.collections.List(ctx, ds.ID, parentID)
}

func mapRepoErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
