package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/vectorstore"
)

const reconcilePage = 500

// Report 一次对账的修复统计。
type Report struct {
	Datasets      int   `json:"datasets"`
	OrphanVectors int   `json:"orphanVectors"`
	Reenqueued    int   `json:"reenqueued"`
	OrphanItems   int64 `json:"orphanItems"`
}

func (r *Report) add(o Report) {
	r.Datasets += o.Datasets
	r.OrphanVectors += o.OrphanVectors
	r.Reenqueued += o.Reenqueued
	r.OrphanItems += o.OrphanItems
}

// Reconciler 对比数据、向量与队列，修复三者之间不一致的部分。
type Reconciler struct {
	Datasets repository.DatasetRepository
	Training repository.TrainingRepository
	Data     repository.DataRepository
	Vectors  vectorstore.Store
	// RetryBudget 重新入队条目的重试次数
	RetryBudget int
}

// Run 按 training.reconcile_interval 周期执行 Sweep，直到 ctx 结束。
func (r *Reconciler) Run(ctx context.Context, cfg *config.Store) error {
	for {
		interval := cfg.Current().Training.ReconcileInterval
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		if !sleep(ctx, interval) {
			return nil
		}
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("[Reconciler] 对账失败: %v", err)
		}
	}
}

// Sweep 对所有知识库执行对账。
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	ids, err := r.Datasets.ListIDs(ctx)
	if err != nil {
		return Report{}, err
	}
	var total Report
	for _, id := range ids {
		rep, err := r.sweepDataset(ctx, id)
		if err != nil {
			return total, fmt.Errorf("dataset %s: %w", id, err)
		}
		total.add(rep)
	}
	n, err := r.Training.DeleteOrphans(ctx)
	if err != nil {
		return total, err
	}
	total.OrphanItems = n
	log.Infof("[Reconciler] 对账完成, datasets: %d, orphanVectors: %d, reenqueued: %d, orphanItems: %d",
		total.Datasets, total.OrphanVectors, total.Reenqueued, total.OrphanItems)
	return total, nil
}

// SweepDataset 只对一个知识库执行对账，同时清理孤立的队列条目。
func (r *Reconciler) SweepDataset(ctx context.Context, datasetID string) (Report, error) {
	rep, err := r.sweepDataset(ctx, datasetID)
	if err != nil {
		return rep, err
	}
	n, err := r.Training.DeleteOrphans(ctx)
	rep.OrphanItems = n
	return rep, err
}

func (r *Reconciler) sweepDataset(ctx context.Context, datasetID string) (Report, error) {
	ds, err := r.Datasets.FindByID(ctx, datasetID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Datasets: 1}

	present, err := r.sweepVectors(ctx, ds, &rep)
	if err != nil {
		return rep, err
	}
	if err := r.sweepRecords(ctx, ds, present, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// sweepVectors 删除没有对应数据（或不再被数据引用）的向量行，返回被数据引用的向量 id。
// 有租约未到期条目的集合留到下一轮处理。
func (r *Reconciler) sweepVectors(ctx context.Context, ds *model.Dataset, rep *Report) (map[string]struct{}, error) {
	present := make(map[string]struct{})
	after := ""
	for {
		refs, err := r.Vectors.List(ctx, ds.ID, after, reconcilePage)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return present, nil
		}
		after = refs[len(refs)-1].ID

		// 先列向量再查租约：租约仍在的集合可能有已写向量、尚未提交的数据
		leased, err := r.Training.LeasedCollections(ctx, ds.ID)
		if err != nil {
			return nil, err
		}
		busy := make(map[string]struct{}, len(leased))
		for _, id := range leased {
			busy[id] = struct{}{}
		}

		dataIDs := make([]string, 0, len(refs))
		for _, ref := range refs {
			dataIDs = append(dataIDs, ref.DataID)
		}
		records, err := r.Data.FindByIDs(ctx, ds.TeamID, dataIDs)
		if err != nil {
			return nil, err
		}
		referenced := make(map[string]struct{})
		for _, rec := range records {
			for _, idx := range rec.Indexes {
				referenced[idx.VectorID] = struct{}{}
			}
		}

		var orphans []string
		for _, ref := range refs {
			if _, ok := referenced[ref.ID]; ok {
				present[ref.ID] = struct{}{}
				continue
			}
			if _, ok := busy[ref.CollectionID]; ok {
				continue
			}
			orphans = append(orphans, ref.ID)
		}
		if len(orphans) > 0 {
			if err := r.Vectors.DeleteByIDs(ctx, ds.TeamID, orphans); err != nil {
				return nil, err
			}
			rep.OrphanVectors += len(orphans)
			log.Warnf("[Reconciler] 删除孤立向量, dataset: %s, count: %d", ds.ID, len(orphans))
		}
		if len(refs) < reconcilePage {
			return present, nil
		}
	}
}

// sweepRecords 找出向量不完整的数据，删掉残留向量并重新入队。
func (r *Reconciler) sweepRecords(ctx context.Context, ds *model.Dataset, present map[string]struct{}, rep *Report) error {
	after := ""
	for {
		records, err := r.Data.Page(ctx, ds.ID, after, reconcilePage)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		after = records[len(records)-1].ID

		var broken []model.DataRecord
		var brokenIDs []string
		for _, rec := range records {
			if !complete(rec, present) {
				broken = append(broken, rec)
				brokenIDs = append(brokenIDs, rec.ID)
			}
		}
		if len(broken) > 0 {
			if err := r.requeue(ctx, ds, broken, brokenIDs, present, rep); err != nil {
				return err
			}
		}
		if len(records) < reconcilePage {
			return nil
		}
	}
}

func complete(rec model.DataRecord, present map[string]struct{}) bool {
	if len(rec.Indexes) == 0 {
		return false
	}
	for _, idx := range rec.Indexes {
		if _, ok := present[idx.VectorID]; !ok {
			return false
		}
	}
	return true
}

func (r *Reconciler) requeue(ctx context.Context, ds *model.Dataset, broken []model.DataRecord, ids []string,
	present map[string]struct{}, rep *Report) error {
	queued, err := r.Training.QueuedDataIDs(ctx, ids)
	if err != nil {
		return err
	}
	skip := make(map[string]struct{}, len(queued))
	for _, id := range queued {
		skip[id] = struct{}{}
	}

	budget := r.RetryBudget
	if budget <= 0 {
		budget = 3
	}
	var partial []string
	var items []model.TrainingItem
	for _, rec := range broken {
		if _, ok := skip[rec.ID]; ok {
			continue
		}
		for _, idx := range rec.Indexes {
			if _, ok := present[idx.VectorID]; ok {
				partial = append(partial, idx.VectorID)
			}
		}
		var custom []model.DataIndex
		for _, idx := range rec.Indexes {
			if !idx.DefaultIndex {
				custom = append(custom, model.DataIndex{Type: idx.Type, Text: idx.Text})
			}
		}
		items = append(items, model.TrainingItem{
			ID:           uuid.NewString(),
			TeamID:       rec.TeamID,
			TmbID:        rec.TmbID,
			DatasetID:    rec.DatasetID,
			CollectionID: rec.CollectionID,
			Mode:         model.ModeChunk,
			Model:        ds.EmbeddingModel,
			Q:            rec.Q,
			A:            rec.A,
			Indexes:      custom,
			ChunkIndex:   rec.ChunkIndex,
			ImageID:      rec.ImageID,
			DataID:       rec.ID,
			RetryCount:   budget,
			LockTime:     repository.Now(),
		})
	}
	if len(partial) > 0 {
		if err := r.Vectors.DeleteByIDs(ctx, ds.TeamID, partial); err != nil {
			return err
		}
	}
	if len(items) == 0 {
		return nil
	}
	if err := r.Training.Enqueue(ctx, items); err != nil {
		return err
	}
	rep.Reenqueued += len(items)
	log.Warnf("[Reconciler] 向量不完整的数据重新入队, dataset: %s, count: %d", ds.ID, len(items))
	return nil
}
