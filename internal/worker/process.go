package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/lexical"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/vectorstore"
)

// 写入 errorMsg 的原因编码，embedding 错误使用 embedding 包中的编码。
const (
	ReasonLLMFailed      = "llm_failed"
	ReasonLLMUnavailable = "llm_unavailable"
	ReasonStorageFailed  = "storage_failed"
	ReasonVectorFailed   = "vector_failed"
	ReasonInvalidItem    = "invalid_item"
	ReasonUnknown        = "training_failed"
)

type stageError struct {
	reason string
	err    error
}

func (e *stageError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stage(reason string, err error) error {
	return &stageError{reason: reason, err: err}
}

func reasonOf(err error) string {
	if code := embedding.Code(err); code != "" {
		return code
	}
	var se *stageError
	if errors.As(err, &se) {
		return se.reason
	}
	return ReasonUnknown
}

func (w *Worker) handle(ctx context.Context, cfg *config.Config, item *model.TrainingItem) {
	start := time.Now()
	err := w.process(ctx, item)
	switch {
	case err == nil:
		log.Debugf("[Worker] 训练条目完成, collection: %s, chunk: %d, 耗时: %v", item.CollectionID, item.ChunkIndex, time.Since(start))
	case ctx.Err() != nil:
		w.release(item)
	case errors.Is(err, repository.ErrLeaseLost):
		log.Warnf("[Worker] 租约已失效，放弃结果, item: %s, collection: %s", item.ID, item.CollectionID)
	case errors.Is(err, repository.ErrCollectionMissing):
		// 集合已经不存在，条目不会再有人清理
		log.Infof("[Worker] 集合已删除，丢弃条目, item: %s, collection: %s", item.ID, item.CollectionID)
		if err := w.deps.Training.Drop(ctx, item); err != nil && !errors.Is(err, repository.ErrLeaseLost) {
			log.Warnf("[Worker] 丢弃条目失败, item: %s, error: %v", item.ID, err)
		}
	case errors.Is(err, repository.ErrCollectionGone):
		log.Infof("[Worker] 集合正在删除，放弃结果, item: %s, collection: %s", item.ID, item.CollectionID)
	default:
		w.fail(ctx, cfg, item, err)
	}
}

// release 进程退出时归还租约，不消耗重试预算。
func (w *Worker) release(item *model.TrainingItem) {
	if err := w.deps.Training.Release(context.Background(), item, repository.Now()); err != nil && !errors.Is(err, repository.ErrLeaseLost) {
		log.Warnf("[Worker] 归还租约失败, item: %s, error: %v", item.ID, err)
	}
}

func (w *Worker) fail(ctx context.Context, cfg *config.Config, item *model.TrainingItem, cause error) {
	reason := reasonOf(cause)
	if embedding.IsRateLimited(cause) {
		d := cfg.Training.RateLimitCooldown
		var e *embedding.Error
		if errors.As(cause, &e) && e.RetryAfter > d {
			d = e.RetryAfter
		}
		w.deps.Cooldown.Trip(ctx, d)
		log.Warnf("[Worker] embedding 限流，冷却 %v", d)
	}

	attempt := cfg.Training.RetryBudget - item.RetryCount + 1
	retryAt := repository.Now().Add(backoff(attempt, cfg.Training.BackoffBase, cfg.Training.BackoffMax))
	left, err := w.deps.Training.Fail(ctx, item, reason, retryAt)
	if err != nil {
		log.Errorf("[Worker] 记录失败状态出错, item: %s, error: %v", item.ID, err)
		return
	}
	if left == 0 {
		log.Errorf("[Worker] 训练条目重试耗尽, collection: %s, chunk: %d, data: %s, reason: %s, error: %v",
			item.CollectionID, item.ChunkIndex, item.DataID, reason, cause)
		return
	}
	log.Warnf("[Worker] 训练条目失败，%s 后重试（剩余 %d 次）, collection: %s, chunk: %d, reason: %s, error: %v",
		time.Until(retryAt).Round(time.Millisecond), left, item.CollectionID, item.ChunkIndex, reason, cause)
}

func (w *Worker) process(ctx context.Context, item *model.TrainingItem) error {
	var existing *model.DataRecord
	if item.DataID != "" {
		recs, err := w.deps.Data.FindByIDs(ctx, item.TeamID, []string{item.DataID})
		if err != nil {
			return stage(ReasonStorageFailed, err)
		}
		if len(recs) == 0 {
			log.Infof("[Worker] 待重建的数据已删除, data: %s", item.DataID)
			return w.deps.Training.Drop(ctx, item)
		}
		existing = &recs[0]
	}

	records, err := w.build(ctx, item)
	if err != nil {
		return fmt.Errorf("collection %s chunk %d: %w", item.CollectionID, item.ChunkIndex, err)
	}
	if existing != nil {
		records[0].ID = existing.ID
		records[0].ImageID = existing.ImageID
	}

	rows, err := w.embed(ctx, item, records)
	if err != nil {
		return fmt.Errorf("collection %s chunk %d: %w", item.CollectionID, item.ChunkIndex, err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	if err := w.deps.Vectors.Upsert(ctx, rows); err != nil {
		w.compensate(item.TeamID, ids)
		return stage(ReasonVectorFailed, err)
	}
	if err := w.deps.Data.CommitTraining(ctx, item, records); err != nil {
		w.compensate(item.TeamID, ids)
		if errors.Is(err, repository.ErrLeaseLost) || errors.Is(err, repository.ErrCollectionGone) {
			return err
		}
		return stage(ReasonStorageFailed, err)
	}

	if existing != nil {
		var old []string
		for _, idx := range existing.Indexes {
			if idx.VectorID != "" {
				old = append(old, idx.VectorID)
			}
		}
		w.compensate(item.TeamID, old)
	}
	return nil
}

// compensate 删除已写入但没有对应数据的向量，失败时留给对账清理。
func (w *Worker) compensate(teamID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := w.deps.Vectors.DeleteByIDs(context.Background(), teamID, ids); err != nil {
		log.Warnf("[Worker] 清理向量失败，等待对账, count: %d, error: %v", len(ids), err)
	}
}

// build 按训练方式生成待写入的数据，尚未生成向量。
func (w *Worker) build(ctx context.Context, item *model.TrainingItem) ([]model.DataRecord, error) {
	// 重建条目总是按已有的 q/a/indexes 处理
	if item.DataID != "" {
		return []model.DataRecord{newRecord(item, item.Q, item.A, item.Indexes)}, nil
	}
	switch item.Mode {
	case model.ModeChunk, model.ModeBackup:
		return []model.DataRecord{newRecord(item, item.Q, item.A, item.Indexes)}, nil
	case model.ModeQA:
		return w.buildQA(ctx, item)
	case model.ModeImageParse:
		return w.buildImage(ctx, item)
	default:
		return nil, stage(ReasonInvalidItem, fmt.Errorf("unknown mode %q", item.Mode))
	}
}

func (w *Worker) buildQA(ctx context.Context, item *model.TrainingItem) ([]model.DataRecord, error) {
	if w.deps.Generator == nil {
		return nil, stage(ReasonLLMUnavailable, errors.New("未配置大模型"))
	}
	pairs, usage, err := w.deps.Generator.GenerateQA(ctx, item.Q)
	if err != nil {
		return nil, stage(ReasonLLMFailed, err)
	}
	w.recordUsage(item, usage.Model, usage.InputTokens, usage.OutputTokens)
	if len(pairs) == 0 {
		return nil, stage(ReasonLLMFailed, errors.New("模型没有生成问答"))
	}
	out := make([]model.DataRecord, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, newRecord(item, p.Q, p.A, nil))
	}
	return out, nil
}

func (w *Worker) buildImage(ctx context.Context, item *model.TrainingItem) ([]model.DataRecord, error) {
	if w.deps.Generator == nil {
		return nil, stage(ReasonLLMUnavailable, errors.New("未配置大模型"))
	}
	if item.ImageID == "" {
		return nil, stage(ReasonInvalidItem, errors.New("缺少图片"))
	}
	data, err := w.deps.Blobs.Get(ctx, item.ImageID)
	if err != nil {
		return nil, stage(ReasonStorageFailed, err)
	}
	caption, usage, err := w.deps.Generator.DescribeImage(ctx, http.DetectContentType(data), data)
	if err != nil {
		return nil, stage(ReasonLLMFailed, err)
	}
	w.recordUsage(item, usage.Model, usage.InputTokens, usage.OutputTokens)
	rec := newRecord(item, caption, "", nil)
	rec.ImageID = item.ImageID
	return []model.DataRecord{rec}, nil
}

func newRecord(item *model.TrainingItem, q, a string, indexes []model.DataIndex) model.DataRecord {
	return model.DataRecord{
		ID:           uuid.NewString(),
		TeamID:       item.TeamID,
		TmbID:        item.TmbID,
		DatasetID:    item.DatasetID,
		CollectionID: item.CollectionID,
		Q:            q,
		A:            a,
		ChunkIndex:   item.ChunkIndex,
		Indexes:      model.NormalizeIndexes(q, a, indexes),
	}
}

// embed 为每条数据的每个索引生成向量行，并回填 VectorID 与全文词元。
func (w *Worker) embed(ctx context.Context, item *model.TrainingItem, records []model.DataRecord) ([]vectorstore.Row, error) {
	var texts []string
	for i := range records {
		for _, idx := range records[i].Indexes {
			texts = append(texts, idx.Text)
		}
	}
	res, err := w.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	w.recordUsage(item, w.deps.Embedder.Model(), res.Tokens, 0)

	rows := make([]vectorstore.Row, 0, len(texts))
	k := 0
	for i := range records {
		rec := &records[i]
		for j := range rec.Indexes {
			id := uuid.NewString()
			rec.Indexes[j].VectorID = id
			rows = append(rows, vectorstore.Row{
				ID:           id,
				TeamID:       rec.TeamID,
				DatasetID:    rec.DatasetID,
				CollectionID: rec.CollectionID,
				DataID:       rec.ID,
				Vector:       res.Vectors[k],
			})
			k++
		}
		rec.FullTextTokens = lexical.Join(lexical.Tokenize(model.DefaultIndexText(rec.Q, rec.A), lexical.LocaleAuto))
	}
	return rows, nil
}

func (w *Worker) recordUsage(item *model.TrainingItem, modelName string, in, out int) {
	if in == 0 && out == 0 {
		return
	}
	w.deps.Usage.Record(tasks.UsageEvent{
		ID:           uuid.NewString(),
		TeamID:       item.TeamID,
		TmbID:        item.TmbID,
		Source:       string(model.UsageTraining),
		Model:        modelName,
		InputTokens:  in,
		OutputTokens: out,
		DatasetID:    item.DatasetID,
		CollectionID: item.CollectionID,
		CreatedAt:    time.Now().UTC(),
	})
}
