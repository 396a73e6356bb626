package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/token"
)

const exportPageSize = 500

// CreateDatasetRequest 创建知识库参数。
type CreateDatasetRequest struct {
	Name           string
	EmbeddingModel string
	AgentModel     string
}

// DatasetService 接口定义了知识库的增删查改与导出。
type DatasetService interface {
	Create(ctx context.Context, p Principal, req CreateDatasetRequest) (*model.Dataset, error)
	Get(ctx context.Context, p Principal, id string) (*model.Dataset, error)
	// UpdateModels 已有数据时不允许更换向量模型
	UpdateModels(ctx context.Context, p Principal, id, embeddingModel, agentModel string) (*model.Dataset, error)
	Delete(ctx context.Context, p Principal, id string) error
	// Export 以 q,a,indexes 格式写出全部数据，可直接作为备份导入
	Export(ctx context.Context, p Principal, id string, w io.Writer) (int, error)
}

type datasetService struct {
	datasets    repository.DatasetRepository
	collections repository.CollectionRepository
	data        repository.DataRepository
	collSvc     CollectionService
	auth        Authorizer
	defaults    CreateDatasetRequest
}

// NewDatasetService 创建一个新的 DatasetService 实例，defaults 提供未指定时的模型。
func NewDatasetService(datasets repository.DatasetRepository, collections repository.CollectionRepository,
	data repository.DataRepository, collectionSvc CollectionService, auth Authorizer, defaults CreateDatasetRequest) DatasetService {
	return &datasetService{
		datasets:    datasets,
		collections: collections,
		data:        data,
		collSvc:     collectionSvc,
		auth:        auth,
		defaults:    defaults,
	}
}

func (s *datasetService) find(ctx context.Context, p Principal, id string, need token.Permission) (*model.Dataset, error) {
	ds, err := s.datasets.FindByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if _, err := s.auth.Authorize(ctx, p, ds.TeamID, need); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *datasetService) Create(ctx context.Context, p Principal, req CreateDatasetRequest) (*model.Dataset, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: 知识库名称不能为空", ErrInvalidArgument)
	}
	g, err := s.auth.Authorize(ctx, p, p.TeamID, token.PermWrite)
	if err != nil {
		return nil, err
	}
	ds := &model.Dataset{
		ID:             uuid.NewString(),
		TeamID:         g.TeamID,
		OwnerID:        g.TmbID,
		Name:           name,
		EmbeddingModel: firstNonEmpty(req.EmbeddingModel, s.defaults.EmbeddingModel),
		AgentModel:     firstNonEmpty(req.AgentModel, s.defaults.AgentModel),
	}
	if err := s.datasets.Create(ctx, ds); err != nil {
		return nil, err
	}
	log.Infof("[DatasetService] 创建知识库, id: %s, team: %s, model: %s", ds.ID, ds.TeamID, ds.EmbeddingModel)
	return ds, nil
}

func (s *datasetService) Get(ctx context.Context, p Principal, id string) (*model.Dataset, error) {
	return s.find(ctx, p, id, token.PermRead)
}

func (s *datasetService) UpdateModels(ctx context.Context, p Principal, id, embeddingModel, agentModel string) (*model.Dataset, error) {
	ds, err := s.find(ctx, p, id, token.PermManage)
	if err != nil {
		return nil, err
	}
	embeddingModel = firstNonEmpty(embeddingModel, ds.EmbeddingModel)
	agentModel = firstNonEmpty(agentModel, ds.AgentModel)
	ok, err := s.datasets.UpdateModels(ctx, ds.ID, embeddingModel, agentModel)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmbeddingModelLocked
	}
	ds.EmbeddingModel, ds.AgentModel = embeddingModel, agentModel
	return ds, nil
}

// Delete 逐个删除顶层集合的子树，全部完成后再删除知识库记录。
func (s *datasetService) Delete(ctx context.Context, p Principal, id string) error {
	ds, err := s.find(ctx, p, id, token.PermManage)
	if err != nil {
		return err
	}
	colls, err := s.collections.ListByDataset(ctx, ds.ID)
	if err != nil {
		return err
	}
	for i := range colls {
		c := &colls[i]
		if c.ParentID != nil {
			continue
		}
		if err := s.collSvc.Delete(ctx, p, c.ID); err != nil {
			return err
		}
	}
	// 父目录缺失的孤立集合
	rest, err := s.collections.ListByDataset(ctx, ds.ID)
	if err != nil {
		return err
	}
	for i := range rest {
		if err := s.collSvc.Delete(ctx, p, rest[i].ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := s.datasets.Delete(ctx, ds.ID); err != nil {
		return err
	}
	log.Infof("[DatasetService] 删除知识库, id: %s, collections: %d", ds.ID, len(colls))
	return nil
}

func (s *datasetService) Export(ctx context.Context, p Principal, id string, w io.Writer) (int, error) {
	ds, err := s.find(ctx, p, id, token.PermRead)
	if err != nil {
		return 0, err
	}
	bw, err := normalize.NewBackupWriter(w)
	if err != nil {
		return 0, err
	}
	total, after := 0, ""
	for {
		page, err := s.data.Page(ctx, ds.ID, after, exportPageSize)
		if err != nil {
			return total, err
		}
		for i := range page {
			if err := bw.Write(&page[i]); err != nil {
				return total, err
			}
		}
		total += len(page)
		if len(page) < exportPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if err := bw.Flush(); err != nil {
		return total, err
	}
	log.Infof("[DatasetService] 导出知识库, id: %s, rows: %d", ds.ID, total)
	return total, nil
}
