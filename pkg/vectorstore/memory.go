package vectorstore

import (
	"context"
	"sort"
	"sync"
)

// Memory 进程内向量索引，用于测试与单机调试。
type Memory struct {
	dim  int
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemory(dim int) *Memory {
	return &Memory{dim: dim, rows: make(map[string]Row)}
}

func (m *Memory) Upsert(_ context.Context, rows []Row) error {
	if err := checkRows(m.dim, rows); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		r.Vector = append([]float32(nil), r.Vector...)
		m.rows[r.ID] = r
	}
	return nil
}

func (m *Memory) DeleteByIDs(_ context.Context, teamID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && r.TeamID == teamID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *Memory) DeleteByCollections(_ context.Context, teamID string, collectionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rows {
		if r.TeamID == teamID && contains(collectionIDs, r.CollectionID) {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, topK int, f Filter) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, r := range m.rows {
		if !f.allowed(r.TeamID, r.DatasetID, r.CollectionID) {
			continue
		}
		hits = append(hits, Hit{
			ID:           r.ID,
			DataID:       r.DataID,
			CollectionID: r.CollectionID,
			DatasetID:    r.DatasetID,
			Score:        Cosine(vector, r.Vector),
		})
	}
	return sortHits(hits, topK), nil
}

func (m *Memory) List(_ context.Context, datasetID, afterID string, limit int) ([]Ref, error) {
	m.mu.RLock()
	var refs []Ref
	for _, r := range m.rows {
		if r.DatasetID == datasetID && r.ID > afterID {
			refs = append(refs, Ref{ID: r.ID, DataID: r.DataID, CollectionID: r.CollectionID})
		}
	}
	m.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// Len 当前行数。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) Close() error { return nil }
