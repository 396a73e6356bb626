package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/pkg/database"
)

func seedRows() []Row {
	return []Row{
		{ID: "v1", TeamID: "t1", DatasetID: "d1", CollectionID: "c1", DataID: "x1", Vector: []float32{1, 0, 0}},
		{ID: "v2", TeamID: "t1", DatasetID: "d1", CollectionID: "c1", DataID: "x2", Vector: []float32{0.9, 0.1, 0}},
		{ID: "v3", TeamID: "t1", DatasetID: "d1", CollectionID: "c2", DataID: "x3", Vector: []float32{0, 1, 0}},
		{ID: "v4", TeamID: "t1", DatasetID: "d2", CollectionID: "c3", DataID: "x4", Vector: []float32{1, 0, 0}},
		{ID: "v5", TeamID: "t2", DatasetID: "d1", CollectionID: "c1", DataID: "x5", Vector: []float32{1, 0, 0}},
	}
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(3),
		"sql":    NewSQL(database.OpenTest(t), 3),
	}
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestSearchRanksAndFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, seedRows()))

			hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, Filter{TeamID: "t1", DatasetIDs: []string{"d1"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"v1", "v2", "v3"}, ids(hits))
			assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
			assert.Equal(t, "x1", hits[0].DataID)

			hits, err = s.Search(ctx, []float32{1, 0, 0}, 10, Filter{
				TeamID: "t1", DatasetIDs: []string{"d1", "d2"}, ExcludeCollectionIDs: []string{"c1"},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"v4", "v3"}, ids(hits))

			hits, err = s.Search(ctx, []float32{1, 0, 0}, 1, Filter{
				TeamID: "t1", DatasetIDs: []string{"d1"}, CollectionIDs: []string{"c2"},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"v3"}, ids(hits))
		})
	}
}

func TestUpsertReplacesVector(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, seedRows()[:1]))
			row := seedRows()[0]
			row.Vector = []float32{0, 0, 1}
			require.NoError(t, s.Upsert(ctx, []Row{row}))

			hits, err := s.Search(ctx, []float32{0, 0, 1}, 5, Filter{TeamID: "t1", DatasetIDs: []string{"d1"}})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		})
	}
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Upsert(context.Background(), []Row{{ID: "bad", TeamID: "t1", DatasetID: "d1", Vector: []float32{1}}})
			assert.ErrorIs(t, err, ErrDimension)
		})
	}
}

func TestDeleteScopedToTeam(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, seedRows()))

			require.NoError(t, s.DeleteByIDs(ctx, "t2", []string{"v1"}))
			require.NoError(t, s.DeleteByCollections(ctx, "t1", []string{"c1"}))

			hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, Filter{TeamID: "t1", DatasetIDs: []string{"d1"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"v3"}, ids(hits))

			hits, err = s.Search(ctx, []float32{1, 0, 0}, 10, Filter{TeamID: "t2", DatasetIDs: []string{"d1"}})
			require.NoError(t, err)
			assert.Equal(t, []string{"v5"}, ids(hits))

			require.NoError(t, s.DeleteByIDs(ctx, "t1", []string{"v3", "v4"}))
			refs, err := s.List(ctx, "d2", "", 10)
			require.NoError(t, err)
			assert.Empty(t, refs)
		})
	}
}

func TestListPaginatesByID(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, seedRows()))

			page, err := s.List(ctx, "d1", "", 2)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "v1", page[0].ID)
			assert.Equal(t, "v2", page[1].ID)

			page, err = s.List(ctx, "d1", page[1].ID, 10)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "v3", page[0].ID)
			assert.Equal(t, "v5", page[1].ID)
			assert.Equal(t, "x3", page[0].DataID)
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
}
