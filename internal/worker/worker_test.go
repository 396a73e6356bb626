package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/pkg/database"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/llm"
	"dataset-trainer-go/pkg/storage"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/vectorstore"
)

const dim = 8

type fakeEmbedder struct {
	mu    sync.Mutex
	fail  func(texts []string) error
	calls int
}

func vectorOf(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32((sum>>(i*8))&0xff) + 1
	}
	return v
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (embedding.Result, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		if err := fail(texts); err != nil {
			return embedding.Result{}, err
		}
	}
	res := embedding.Result{Tokens: len(texts)}
	for _, t := range texts {
		res.Vectors = append(res.Vectors, vectorOf(t))
	}
	return res, nil
}

func (f *fakeEmbedder) Model() string { return "fake-emb" }

func (f *fakeEmbedder) setFail(fn func([]string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

type fakeGenerator struct {
	pairs   []llm.QAPair
	caption string
}

func (g *fakeGenerator) GenerateQA(context.Context, string) ([]llm.QAPair, llm.Usage, error) {
	return g.pairs, llm.Usage{Model: "fake-llm", InputTokens: 10, OutputTokens: 20}, nil
}

func (g *fakeGenerator) DescribeImage(context.Context, string, []byte) (string, llm.Usage, error) {
	return g.caption, llm.Usage{Model: "fake-vision", InputTokens: 5, OutputTokens: 2}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []tasks.UsageEvent
}

func (s *recordingSink) Record(ev tasks.UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Model)
	}
	return out
}

type env struct {
	db          *gorm.DB
	datasets    repository.DatasetRepository
	collections repository.CollectionRepository
	training    repository.TrainingRepository
	data        repository.DataRepository
	vectors     *vectorstore.Memory
	blobs       *storage.Memory
	emb         *fakeEmbedder
	gen         *fakeGenerator
	sink        *recordingSink
	cooldown    *LocalCooldown
	w           *Worker
}

func newEnv(t *testing.T, mutate func(*config.TrainingConfig)) *env {
	t.Helper()
	db := database.OpenTest(t)
	cfg := &config.Config{Training: config.TrainingConfig{
		Workers: 2, BatchSize: 5, Parallelism: 4, Lease: time.Minute, RetryBudget: 3,
		BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond,
		PollInterval: 10 * time.Millisecond, RateLimitCooldown: time.Second,
	}}
	if mutate != nil {
		mutate(&cfg.Training)
	}
	e := &env{
		db:          db,
		datasets:    repository.NewDatasetRepository(db),
		collections: repository.NewCollectionRepository(db),
		training:    repository.NewTrainingRepository(db),
		data:        repository.NewDataRepository(db),
		vectors:     vectorstore.NewMemory(dim),
		blobs:       storage.NewMemory(),
		emb:         &fakeEmbedder{},
		gen:         &fakeGenerator{},
		sink:        &recordingSink{},
		cooldown:    NewLocalCooldown(),
	}
	w, err := New(config.NewStaticStore("", cfg), Deps{
		Training: e.training, Data: e.data, Vectors: e.vectors, Embedder: e.emb,
		Generator: e.gen, Blobs: e.blobs, Usage: e.sink, Cooldown: e.cooldown,
	})
	require.NoError(t, err)
	e.w = w
	require.NoError(t, e.datasets.Create(context.Background(), &model.Dataset{
		ID: "ds1", TeamID: "team1", OwnerID: "tmb1", Name: "kb", EmbeddingModel: "fake-emb",
	}))
	return e
}

func (e *env) seed(t *testing.T, collID string, mode model.TrainingMode, n int, fill func(i int, it *model.TrainingItem)) {
	t.Helper()
	hash := "hash-" + collID
	c := &model.Collection{ID: collID, TeamID: "team1", TmbID: "tmb1", DatasetID: "ds1", Name: collID,
		Type: model.SourceText, TrainingMode: mode, ContentHash: &hash}
	items := make([]model.TrainingItem, n)
	for i := range items {
		items[i] = model.TrainingItem{
			ID: fmt.Sprintf("%s-%02d", collID, i), TeamID: "team1", TmbID: "tmb1", DatasetID: "ds1",
			CollectionID: collID, Mode: mode, Q: fmt.Sprintf("chunk number %d of %s", i, collID),
			ChunkIndex: i, RetryCount: 3, LockTime: repository.Now().Add(-time.Second),
		}
		if fill != nil {
			fill(i, &items[i])
		}
	}
	require.NoError(t, e.collections.CreateWithItems(context.Background(), c, items))
}

func (e *env) records(t *testing.T, collID string) []model.DataRecord {
	t.Helper()
	var out []model.DataRecord
	require.NoError(t, e.db.Where("collection_id = ?", collID).Order("chunk_index, q").Find(&out).Error)
	return out
}

func (e *env) stats(t *testing.T, collID string) (int64, int64) {
	t.Helper()
	pending, failed, err := e.training.Stats(context.Background(), collID)
	require.NoError(t, err)
	return pending, failed
}

func TestWorkersCommitEachItemOnce(t *testing.T) {
	e := newEnv(t, func(c *config.TrainingConfig) { c.Workers = 4; c.BatchSize = 3 })
	e.seed(t, "c1", model.ModeChunk, 30, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.w.Run(ctx) }()
	e.w.Wake()

	require.Eventually(t, func() bool {
		pending, failed := e.stats(t, "c1")
		return pending == 0 && failed == 0
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs := e.records(t, "c1")
	require.Len(t, recs, 30)
	seen := map[int]bool{}
	for _, r := range recs {
		assert.False(t, seen[r.ChunkIndex], "chunk %d committed twice", r.ChunkIndex)
		seen[r.ChunkIndex] = true
		require.Len(t, r.Indexes, 1)
		assert.NotEmpty(t, r.Indexes[0].VectorID)
		assert.Contains(t, r.FullTextTokens, "chunk")
	}
	assert.Equal(t, 30, e.vectors.Len())

	c, err := e.collections.FindByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), c.DataCount)
	d, err := e.datasets.FindByID(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), d.DataCount)
}

func TestRetryExhaustionThenReset(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeChunk, 1, nil)
	e.emb.setFail(func([]string) error {
		return &embedding.Error{Kind: embedding.Retryable, Code: embedding.CodeServerError, StatusCode: 502}
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := e.w.RunOnce(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	pending, failed := e.stats(t, "c1")
	assert.Zero(t, pending)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, 3, e.emb.calls)

	list, err := e.training.ListFailed(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Zero(t, list[0].RetryCount)
	require.NotNil(t, list[0].ErrorMsg)
	assert.Equal(t, embedding.CodeServerError, *list[0].ErrorMsg)

	e.emb.setFail(nil)
	n, err := e.training.Retry(ctx, "c1", "", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	time.Sleep(2 * time.Millisecond)

	claimed, err := e.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	pending, failed = e.stats(t, "c1")
	assert.Zero(t, pending+failed)
	assert.Len(t, e.records(t, "c1"), 1)
}

func TestRateLimitTripsSharedCooldown(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeChunk, 1, nil)
	e.emb.setFail(func([]string) error {
		return &embedding.Error{Kind: embedding.Retryable, Code: embedding.CodeRateLimited, StatusCode: 429, RetryAfter: 3 * time.Second}
	})

	_, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)

	until := e.cooldown.Until(context.Background())
	assert.WithinDuration(t, time.Now().Add(3*time.Second), until, time.Second)

	var item model.TrainingItem
	require.NoError(t, e.db.First(&item, "id = ?", "c1-00").Error)
	assert.Equal(t, 2, item.RetryCount)
	assert.Nil(t, item.ErrorMsg)
}

func TestQAModeCreatesRecordPerPair(t *testing.T) {
	e := newEnv(t, nil)
	e.gen.pairs = []llm.QAPair{{Q: "what is go", A: "a language"}, {Q: "who made go", A: "google"}}
	e.seed(t, "c1", model.ModeQA, 1, nil)

	_, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)

	recs := e.records(t, "c1")
	require.Len(t, recs, 2)
	assert.Equal(t, "what is go", recs[0].Q)
	assert.Equal(t, "a language", recs[0].A)
	assert.Equal(t, model.IndexQA, recs[0].Indexes[0].Type)
	assert.Equal(t, 2, e.vectors.Len())
	assert.ElementsMatch(t, []string{"fake-llm", "fake-emb"}, e.sink.models())

	c, err := e.collections.FindByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.DataCount)
}

func TestImageParseCaptionsImage(t *testing.T) {
	e := newEnv(t, nil)
	e.gen.caption = "a cat on a sofa"
	require.NoError(t, e.blobs.Put(context.Background(), "images/1.png", []byte("\x89PNG\r\n\x1a\n"), "image/png"))
	e.seed(t, "c1", model.ModeImageParse, 1, func(_ int, it *model.TrainingItem) {
		it.Q = ""
		it.ImageID = "images/1.png"
	})

	_, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)

	recs := e.records(t, "c1")
	require.Len(t, recs, 1)
	assert.Equal(t, "a cat on a sofa", recs[0].Q)
	assert.Equal(t, "images/1.png", recs[0].ImageID)
}

func TestImageParseMissingBlobFails(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeImageParse, 1, func(_ int, it *model.TrainingItem) { it.ImageID = "missing" })

	_, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)

	var item model.TrainingItem
	require.NoError(t, e.db.First(&item, "id = ?", "c1-00").Error)
	assert.Equal(t, 2, item.RetryCount)
	assert.Zero(t, e.emb.calls)
}

func TestCommitAfterDeletionCompensatesVectors(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeChunk, 1, nil)
	e.emb.setFail(func([]string) error {
		// 处理过程中集合被标记删除
		return e.collections.MarkDeleting(context.Background(), []string{"c1"})
	})

	_, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.vectors.Len())
	assert.Empty(t, e.records(t, "c1"))
	var item model.TrainingItem
	require.NoError(t, e.db.First(&item, "id = ?", "c1-00").Error)
	assert.Equal(t, 3, item.RetryCount)
}

func TestItemOfRemovedCollectionIsDropped(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeChunk, 1, nil)
	e.emb.setFail(func([]string) error {
		// 处理过程中集合行被直接删除
		return e.db.Delete(&model.Collection{}, "id = ?", "c1").Error
	})

	_, err := e.w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.vectors.Len())
	assert.Empty(t, e.records(t, "c1"))
	var n int64
	require.NoError(t, e.db.Model(&model.TrainingItem{}).Where("collection_id = ?", "c1").Count(&n).Error)
	assert.Zero(t, n)
}

func TestReconcileRepairsDrift(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeChunk, 2, nil)
	ctx := context.Background()
	_, err := e.w.RunOnce(ctx)
	require.NoError(t, err)
	recs := e.records(t, "c1")
	require.Len(t, recs, 2)

	// 一条数据丢失向量，一行向量没有数据，一个条目没有集合
	require.NoError(t, e.vectors.DeleteByIDs(ctx, "team1", []string{recs[0].Indexes[0].VectorID}))
	require.NoError(t, e.vectors.Upsert(ctx, []vectorstore.Row{{
		ID: "ghost-vec", TeamID: "team1", DatasetID: "ds1", CollectionID: "c1", DataID: "ghost", Vector: vectorOf("ghost"),
	}}))
	require.NoError(t, e.training.Enqueue(ctx, []model.TrainingItem{{
		ID: "orphan", TeamID: "team1", TmbID: "tmb1", DatasetID: "ds1", CollectionID: "gone",
		Mode: model.ModeChunk, RetryCount: 3, LockTime: repository.Now().Add(time.Hour),
	}}))

	r := &Reconciler{Datasets: e.datasets, Training: e.training, Data: e.data, Vectors: e.vectors, RetryBudget: 3}
	rep, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Datasets: 1, OrphanVectors: 1, Reenqueued: 1, OrphanItems: 1}, rep)

	// 已排队的重建条目不会重复入队
	rep, err = r.SweepDataset(ctx, "ds1")
	require.NoError(t, err)
	assert.Zero(t, rep.Reenqueued)

	time.Sleep(2 * time.Millisecond)
	_, err = e.w.RunOnce(ctx)
	require.NoError(t, err)

	after := e.records(t, "c1")
	require.Len(t, after, 2)
	assert.Equal(t, recs[0].ID, after[0].ID)
	assert.NotEqual(t, recs[0].Indexes[0].VectorID, after[0].Indexes[0].VectorID)
	assert.Equal(t, 2, e.vectors.Len())
	c, err := e.collections.FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.DataCount)

	rep, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Datasets: 1}, rep)
}

func TestReconcileSkipsVectorsOfInFlightItems(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t, "c1", model.ModeChunk, 1, nil)
	ctx := context.Background()

	// 模拟 worker 已写入向量、尚未提交数据
	items, err := e.training.Claim(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, e.vectors.Upsert(ctx, []vectorstore.Row{{
		ID: "inflight-vec", TeamID: "team1", DatasetID: "ds1", CollectionID: "c1", DataID: "not-yet-committed", Vector: vectorOf("x"),
	}}))

	r := &Reconciler{Datasets: e.datasets, Training: e.training, Data: e.data, Vectors: e.vectors, RetryBudget: 3}
	rep, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.OrphanVectors)
	assert.Equal(t, 1, e.vectors.Len())

	// 租约结束后仍没有数据引用的向量才是孤立的
	require.NoError(t, e.training.Drop(ctx, &items[0]))
	rep, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrphanVectors)
	assert.Zero(t, e.vectors.Len())
}

func TestWakeupHandler(t *testing.T) {
	e := newEnv(t, nil)
	body, err := json.Marshal(tasks.TrainingWakeup{CollectionID: "c1", Count: 3})
	require.NoError(t, err)

	handle := e.w.WakeupHandler()
	require.NoError(t, handle(context.Background(), kafkago.Message{Value: body}))
	assert.Len(t, e.w.wake, 1)
	require.NoError(t, handle(context.Background(), kafkago.Message{Value: []byte("not json")}))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		want := base << (attempt - 1)
		if want > max {
			want = max
		}
		d := backoff(attempt, base, max)
		assert.GreaterOrEqual(t, d, want/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, want, "attempt %d", attempt)
	}
	assert.Zero(t, backoff(1, 0, 0))
}
