package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/pkg/es"
	"dataset-trainer-go/pkg/log"
)

// Elasticsearch 基于 dense_vector knn 检索的向量索引。
type Elasticsearch struct {
	client *elasticsearch.Client
	index  string
	dim    int
}

type esDoc struct {
	ID           string    `json:"id"`
	TeamID       string    `json:"team_id"`
	DatasetID    string    `json:"dataset_id"`
	CollectionID string    `json:"collection_id"`
	DataID       string    `json:"data_id"`
	Vector       []float32 `json:"vector,omitempty"`
}

func NewElasticsearch(ctx context.Context, cfg config.ElasticsearchConfig, dim int) (*Elasticsearch, error) {
	client, err := es.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("init elasticsearch: %w", err)
	}
	if err := es.EnsureIndex(ctx, client, cfg.IndexName, es.VectorMapping(dim)); err != nil {
		return nil, err
	}
	return &Elasticsearch{client: client, index: cfg.IndexName, dim: dim}, nil
}

func (e *Elasticsearch) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkRows(e.dim, rows); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		meta := map[string]any{"index": map[string]string{"_index": e.index, "_id": r.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(esDoc{
			ID: r.ID, TeamID: r.TeamID, DatasetID: r.DatasetID,
			CollectionID: r.CollectionID, DataID: r.DataID, Vector: r.Vector,
		}); err != nil {
			return err
		}
	}
	req := esapi.BulkRequest{Body: &buf, Refresh: "wait_for"}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("[VectorES] 批量写入向量出错: %s", res.String())
		return fmt.Errorf("elasticsearch bulk failed: %s", res.Status())
	}
	var body struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return err
	}
	if body.Errors {
		return fmt.Errorf("elasticsearch bulk reported item errors")
	}
	return nil
}

func (e *Elasticsearch) deleteByQuery(ctx context.Context, query map[string]any) error {
	b, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return err
	}
	refresh := true
	req := esapi.DeleteByQueryRequest{Index: []string{e.index}, Body: bytes.NewReader(b), Refresh: &refresh}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("[VectorES] 删除向量出错: %s", res.String())
		return fmt.Errorf("elasticsearch delete_by_query failed: %s", res.Status())
	}
	return nil
}

func (e *Elasticsearch) DeleteByIDs(ctx context.Context, teamID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return e.deleteByQuery(ctx, map[string]any{"bool": map[string]any{"filter": []any{
		map[string]any{"term": map[string]any{"team_id": teamID}},
		map[string]any{"ids": map[string]any{"values": ids}},
	}}})
}

func (e *Elasticsearch) DeleteByCollections(ctx context.Context, teamID string, collectionIDs []string) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	return e.deleteByQuery(ctx, map[string]any{"bool": map[string]any{"filter": []any{
		map[string]any{"term": map[string]any{"team_id": teamID}},
		map[string]any{"terms": map[string]any{"collection_id": collectionIDs}},
	}}})
}

type esHits struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source esDoc   `json:"_source"`
			Sort   []any   `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

func (e *Elasticsearch) search(ctx context.Context, body map[string]any) (*esHits, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(bytes.NewReader(b)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("[VectorES] 检索出错: %s", res.String())
		return nil, fmt.Errorf("elasticsearch search failed: %s", res.Status())
	}
	var out esHits
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Elasticsearch) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]Hit, error) {
	if len(f.DatasetIDs) == 0 {
		return nil, nil
	}
	filter := []any{
		map[string]any{"term": map[string]any{"team_id": f.TeamID}},
		map[string]any{"terms": map[string]any{"dataset_id": f.DatasetIDs}},
	}
	if len(f.CollectionIDs) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"collection_id": f.CollectionIDs}})
	}
	boolQuery := map[string]any{"filter": filter}
	if len(f.ExcludeCollectionIDs) > 0 {
		boolQuery["must_not"] = []any{map[string]any{"terms": map[string]any{"collection_id": f.ExcludeCollectionIDs}}}
	}
	candidates := topK * 2
	if candidates < 100 {
		candidates = 100
	}
	out, err := e.search(ctx, map[string]any{
		"size": topK,
		"knn": map[string]any{
			"field":          "vector",
			"query_vector":   vector,
			"k":              topK,
			"num_candidates": candidates,
			"filter":         map[string]any{"bool": boolQuery},
		},
		"_source": []string{"id", "dataset_id", "collection_id", "data_id"},
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		hits = append(hits, Hit{
			ID:           h.ID,
			DataID:       h.Source.DataID,
			CollectionID: h.Source.CollectionID,
			DatasetID:    h.Source.DatasetID,
			// cosine 相似度在 ES 中被映射为 (1+cos)/2
			Score: h.Score*2 - 1,
		})
	}
	return sortHits(hits, topK), nil
}

func (e *Elasticsearch) List(ctx context.Context, datasetID, afterID string, limit int) ([]Ref, error) {
	body := map[string]any{
		"size":    limit,
		"query":   map[string]any{"term": map[string]any{"dataset_id": datasetID}},
		"sort":    []any{map[string]any{"id": "asc"}},
		"_source": []string{"id", "collection_id", "data_id"},
	}
	if afterID != "" {
		body["search_after"] = []string{afterID}
	}
	out, err := e.search(ctx, body)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		refs = append(refs, Ref{ID: h.ID, DataID: h.Source.DataID, CollectionID: h.Source.CollectionID})
	}
	return refs, nil
}

func (e *Elasticsearch) Close() error { return nil }
