package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/lexical"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/token"
	"dataset-trainer-go/pkg/vectorstore"
)

// SearchMode 检索方式。
type SearchMode string

const (
	SearchVector   SearchMode = "vector"
	SearchFullText SearchMode = "fulltext"
	SearchHybrid   SearchMode = "hybrid"
)

// ScoreType 分数来源。
type ScoreType string

const (
	ScoreEmbedding ScoreType = "embedding"
	ScoreFullText  ScoreType = "fullText"
	ScoreRRF       ScoreType = "rrf"
)

const maxTopK = 100

// SearchRequest 检索参数，Similarity 只在纯向量检索时生效。
type SearchRequest struct {
	DatasetIDs []string
	Query      string
	TopK       int
	Mode       SearchMode
	Similarity float64
}

// SearchResult 单条检索结果。
type SearchResult struct {
	DataID       string    `json:"dataId"`
	DatasetID    string    `json:"datasetId"`
	CollectionID string    `json:"collectionId"`
	Q            string    `json:"q"`
	A            string    `json:"a"`
	ChunkIndex   int       `json:"chunkIndex"`
	Score        float64   `json:"score"`
	ScoreType    ScoreType `json:"scoreType"`
}

// SearchService 接口定义了知识库检索操作。
type SearchService interface {
	Search(ctx context.Context, p Principal, req SearchRequest) ([]SearchResult, error)
}

type searchService struct {
	cfg         *config.Store
	datasets    repository.DatasetRepository
	collections repository.CollectionRepository
	data        repository.DataRepository
	vectors     vectorstore.Store
	embedder    embedding.Client
	usage       tasks.UsageSink
	auth        Authorizer
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(cfg *config.Store, datasets repository.DatasetRepository, collections repository.CollectionRepository,
	data repository.DataRepository, vectors vectorstore.Store, embedder embedding.Client, usage tasks.UsageSink, auth Authorizer) SearchService {
	return &searchService{
		cfg:         cfg,
		datasets:    datasets,
		collections: collections,
		data:        data,
		vectors:     vectors,
		embedder:    embedder,
		usage:       usage,
		auth:        auth,
	}
}

// candidate 某一路召回中的一条，rank 从 1 开始。
type candidate struct {
	dataID string
	score  float64
}

func (s *searchService) Search(ctx context.Context, p Principal, req SearchRequest) ([]SearchResult, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" || len(req.DatasetIDs) == 0 {
		return nil, fmt.Errorf("%w: query 与 datasetIds 不能为空", ErrInvalidArgument)
	}
	if req.Mode == "" {
		req.Mode = SearchHybrid
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	req.TopK = min(req.TopK, maxTopK)

	var g Grant
	for _, id := range req.DatasetIDs {
		ds, err := s.datasets.FindByID(ctx, id)
		if err != nil {
			return nil, mapRepoErr(err)
		}
		if g, err = s.auth.Authorize(ctx, p, ds.TeamID, token.PermRead); err != nil {
			return nil, err
		}
	}
	excluded, err := s.collections.ExcludedIDs(ctx, g.TeamID, req.DatasetIDs)
	if err != nil {
		return nil, err
	}

	limits := s.cfg.Current().Search
	var vectorHits, textHits []candidate
	eg, egCtx := errgroup.WithContext(ctx)
	switch req.Mode {
	case SearchVector:
		eg.Go(func() (err error) {
			vectorHits, err = s.vectorRecall(egCtx, g, req, excluded, limits.EmbeddingLimit)
			return err
		})
	case SearchFullText:
		eg.Go(func() (err error) {
			textHits, err = s.textRecall(egCtx, g, req, excluded, limits.FullTextLimit)
			return err
		})
	case SearchHybrid:
		eg.Go(func() (err error) {
			vectorHits, err = s.vectorRecall(egCtx, g, req, excluded, limits.HybridEmbeddingLimit)
			return err
		})
		eg.Go(func() (err error) {
			textHits, err = s.textRecall(egCtx, g, req, excluded, limits.HybridFullTextLimit)
			return err
		})
	default:
		return nil, fmt.Errorf("%w: 未知的检索方式 %s", ErrInvalidArgument, req.Mode)
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var ranked []candidate
	scoreType := ScoreRRF
	switch req.Mode {
	case SearchVector:
		ranked, scoreType = vectorHits, ScoreEmbedding
		if req.Similarity > 0 {
			ranked = filterScore(ranked, req.Similarity)
		}
	case SearchFullText:
		ranked, scoreType = textHits, ScoreFullText
	default:
		ranked = fuseRRF(limits.RRFK, vectorHits, textHits)
	}

	results, err := s.hydrate(ctx, g.TeamID, ranked, scoreType, req.TopK)
	if err != nil {
		return nil, err
	}
	log.Infof("[SearchService] 检索完成, mode: %s, datasets: %d, vector: %d, fulltext: %d, results: %d, 耗时: %v",
		req.Mode, len(req.DatasetIDs), len(vectorHits), len(textHits), len(results), time.Since(start))
	return results, nil
}

func (s *searchService) vectorRecall(ctx context.Context, g Grant, req SearchRequest, excluded []string, limit int) ([]candidate, error) {
	res, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("向量化查询失败: %w", err)
	}
	if len(res.Vectors) == 0 {
		return nil, fmt.Errorf("向量化查询失败: 返回为空")
	}
	if res.Tokens > 0 {
		s.usage.Record(tasks.UsageEvent{
			ID:          uuid.NewString(),
			TeamID:      g.TeamID,
			TmbID:       g.TmbID,
			Source:      string(model.UsageSearch),
			Model:       s.embedder.Model(),
			InputTokens: res.Tokens,
			CreatedAt:   time.Now().UTC(),
		})
	}
	hits, err := s.vectors.Search(ctx, res.Vectors[0], limit, vectorstore.Filter{
		TeamID:               g.TeamID,
		DatasetIDs:           req.DatasetIDs,
		ExcludeCollectionIDs: excluded,
	})
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	// 一条数据有多个索引时只保留最高分
	seen := make(map[string]struct{}, len(hits))
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.DataID]; ok {
			continue
		}
		seen[h.DataID] = struct{}{}
		out = append(out, candidate{dataID: h.DataID, score: h.Score})
	}
	return out, nil
}

func (s *searchService) textRecall(ctx context.Context, g Grant, req SearchRequest, excluded []string, limit int) ([]candidate, error) {
	terms := lexical.Tokenize(req.Query, lexical.LocaleAuto)
	if len(terms) == 0 {
		return nil, nil
	}
	hits, err := s.data.SearchText(ctx, g.TeamID, req.DatasetIDs, excluded, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("全文检索失败: %w", err)
	}
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, candidate{dataID: h.DataID, score: float64(h.Matches) / float64(len(terms))})
	}
	return out, nil
}

func filterScore(list []candidate, threshold float64) []candidate {
	out := list[:0:0]
	for _, c := range list {
		if c.score >= threshold {
			out = append(out, c)
		}
	}
	return out
}

// fuseRRF 按 sum(1/(k+rank)) 合并多路召回，分数相同时按首次出现顺序。
func fuseRRF(k int, lists ...[]candidate) []candidate {
	if k <= 0 {
		k = 60
	}
	scores := make(map[string]float64)
	var order []string
	for _, list := range lists {
		for i, c := range list {
			if _, ok := scores[c.dataID]; !ok {
				order = append(order, c.dataID)
			}
			scores[c.dataID] += 1 / float64(k+i+1)
		}
	}
	out := make([]candidate, len(order))
	for i, id := range order {
		out[i] = candidate{dataID: id, score: scores[id]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (s *searchService) hydrate(ctx context.Context, teamID string, ranked []candidate, scoreType ScoreType, topK int) ([]SearchResult, error) {
	if len(ranked) == 0 {
		return []SearchResult{}, nil
	}
	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.dataID
	}
	records, err := s.data.FindByIDs(ctx, teamID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.DataRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	out := make([]SearchResult, 0, topK)
	seen := make(map[string]struct{})
	for _, c := range ranked {
		rec, ok := byID[c.dataID]
		if !ok {
			continue
		}
		key := contentKey(rec.Q + rec.A)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, SearchResult{
			DataID:       rec.ID,
			DatasetID:    rec.DatasetID,
			CollectionID: rec.CollectionID,
			Q:            rec.Q,
			A:            rec.A,
			ChunkIndex:   rec.ChunkIndex,
			Score:        c.score,
			ScoreType:    scoreType,
		})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// contentKey 只保留字母与数字，用于合并内容相同的结果。
func contentKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}
