package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/dedup"
	"dataset-trainer-go/internal/middleware"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/internal/worker"
	"dataset-trainer-go/pkg/database"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/storage"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/token"
	"dataset-trainer-go/pkg/tokens"
	"dataset-trainer-go/pkg/vectorstore"
)

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, texts []string) (embedding.Result, error) {
	res := embedding.Result{Tokens: len(texts)}
	for _, t := range texts {
		res.Vectors = append(res.Vectors, []float32{float32(len(t)), 1, 1, 1})
	}
	return res, nil
}

func (constEmbedder) Model() string { return "const-emb" }

type nopNotifier struct{}

func (nopNotifier) NotifyTraining(context.Context, tasks.TrainingWakeup) error { return nil }

type testServer struct {
	router *gin.Engine
	jwt    *token.JWTManager
	w      *worker.Worker
	colls  *CollectionHandler
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := database.OpenTest(t)
	cfg := config.NewStaticStore("", &config.Config{
		Embedding: config.EmbeddingConfig{MaxTokens: 4000},
		Training: config.TrainingConfig{
			Workers: 1, BatchSize: 50, Parallelism: 2, Lease: time.Minute, RetryBudget: 3,
			BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, PollInterval: 10 * time.Millisecond,
		},
		Splitter: config.SplitterConfig{ChunkSize: 1000, QAChunkSize: 6000, OverlapRatio: 0.15, MaxSize: 8000},
		Search:   config.SearchConfig{EmbeddingLimit: 100, FullTextLimit: 100, HybridEmbeddingLimit: 80, HybridFullTextLimit: 60, RRFK: 60},
	})
	datasets := repository.NewDatasetRepository(db)
	collections := repository.NewCollectionRepository(db)
	training := repository.NewTrainingRepository(db)
	data := repository.NewDataRepository(db)
	vectors := vectorstore.NewMemory(4)
	blobs := storage.NewMemory()

	w, err := worker.New(cfg, worker.Deps{
		Training: training, Data: data, Vectors: vectors, Embedder: constEmbedder{},
		Blobs: blobs, Usage: tasks.NopUsageSink{}, Cooldown: worker.NewLocalCooldown(),
	})
	require.NoError(t, err)

	auth := service.TeamAuthorizer{}
	collSvc := service.NewCollectionService(cfg, datasets, collections, training, data, vectors, blobs,
		normalize.New(nil, normalize.Options{}), dedup.NewGuard(collections, dedup.NewLocalLocker(), time.Second),
		tokens.Estimator{}, nopNotifier{}, auth)
	dsSvc := service.NewDatasetService(datasets, collections, data, collSvc, auth, service.CreateDatasetRequest{EmbeddingModel: "const-emb"})
	searchSvc := service.NewSearchService(cfg, datasets, collections, data, vectors, constEmbedder{}, tasks.NopUsageSink{}, auth)
	dataSvc := service.NewDataService(collections, data, training, vectors, constEmbedder{}, blobs, tasks.NopUsageSink{}, auth)

	s := &testServer{jwt: token.NewJWTManager("test-secret", 1), w: w, colls: NewCollectionHandler(collSvc)}
	s.colls.interval = 10 * time.Millisecond
	s.router = gin.New()
	Register(s.router.Group("/api/v1"), middleware.AuthMiddleware(s.jwt), NewDatasetHandler(dsSvc), s.colls,
		NewDataHandler(dataSvc), NewSearchHandler(searchSvc))
	return s
}

func (s *testServer) token(t *testing.T, team string, perm token.Permission) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(team, "tmb-"+team, perm)
	require.NoError(t, err)
	return tok
}

type reply struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s *testServer) do(t *testing.T, tok, method, path string, body any) (int, reply) {
	t.Helper()
	var rd *bytes.Reader
	contentType := "application/json"
	switch v := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case *multipartBody:
		rd = bytes.NewReader(v.buf.Bytes())
		contentType = v.contentType
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var r reply
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	} else {
		r.Data = w.Body.Bytes()
	}
	return w.Code, r
}

type multipartBody struct {
	buf         bytes.Buffer
	contentType string
}

func newMultipart(t *testing.T, fields map[string]string, files map[string][]byte) *multipartBody {
	t.Helper()
	m := &multipartBody{}
	mw := multipart.NewWriter(&m.buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	m.contentType = mw.FormDataContentType()
	return m
}

func (s *testServer) train(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		n, err := s.w.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func (s *testServer) createDataset(t *testing.T, tok string) string {
	t.Helper()
	code, r := s.do(t, tok, http.MethodPost, "/api/v1/datasets", gin.H{"name": "kb"})
	require.Equal(t, http.StatusOK, code, r.Error)
	var ds model.Dataset
	require.NoError(t, json.Unmarshal(r.Data, &ds))
	return ds.ID
}

func (s *testServer) createText(t *testing.T, tok, dsID, text string) service.CreateCollectionResult {
	t.Helper()
	code, r := s.do(t, tok, http.MethodPost, "/api/v1/datasets/"+dsID+"/collections", gin.H{"type": "text", "text": text})
	require.Equal(t, http.StatusOK, code, r.Error)
	var res service.CreateCollectionResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	return res
}

func TestCollectionLifecycle(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "team1", token.PermManage)
	dsID := s.createDataset(t, tok)

	first := s.createText(t, tok, dsID, "gin routes requests to handlers")
	assert.True(t, first.Created)
	again := s.createText(t, tok, dsID, "gin routes requests to handlers")
	assert.False(t, again.Created)
	assert.Equal(t, first.CollectionID, again.CollectionID)

	code, r := s.do(t, tok, http.MethodGet, "/api/v1/collections/"+first.CollectionID+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	var st model.CollectionStatus
	require.NoError(t, json.Unmarshal(r.Data, &st))
	assert.Equal(t, model.PhaseQueued, st.Phase)
	assert.EqualValues(t, 1, st.PendingCount)

	s.train(t)
	code, r = s.do(t, tok, http.MethodGet, "/api/v1/collections/"+first.CollectionID+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(r.Data, &st))
	assert.Equal(t, model.PhaseFullyIndexed, st.Phase)

	code, r = s.do(t, tok, http.MethodPost, "/api/v1/search", gin.H{
		"datasetIds": []string{dsID}, "query": "gin routes", "mode": "fulltext",
	})
	require.Equal(t, http.StatusOK, code, r.Error)
	var hits []service.SearchResult
	require.NoError(t, json.Unmarshal(r.Data, &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, first.CollectionID, hits[0].CollectionID)

	code, r = s.do(t, tok, http.MethodGet, "/api/v1/datasets/"+dsID+"/export", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "q,a,indexes\ngin routes requests to handlers,\n", string(r.Data))

	code, _ = s.do(t, tok, http.MethodPut, "/api/v1/datasets/"+dsID+"/models", gin.H{"embeddingModel": "other"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, tok, http.MethodDelete, "/api/v1/collections/"+first.CollectionID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, tok, http.MethodGet, "/api/v1/collections/"+first.CollectionID+"/status", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDataRoutes(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "team1", token.PermWrite)
	dsID := s.createDataset(t, tok)
	res := s.createText(t, tok, dsID, "imported chunk")
	s.train(t)
	base := "/api/v1/collections/" + res.CollectionID + "/data"

	code, _ := s.do(t, tok, http.MethodPost, base, gin.H{"q": "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, r := s.do(t, tok, http.MethodPost, base, gin.H{"q": "manual question", "a": "manual answer"})
	require.Equal(t, http.StatusOK, code, r.Error)
	var rec model.DataRecord
	require.NoError(t, json.Unmarshal(r.Data, &rec))
	assert.Equal(t, 1, rec.ChunkIndex)
	require.Len(t, rec.Indexes, 1)
	assert.NotEmpty(t, rec.Indexes[0].VectorID)

	code, r = s.do(t, tok, http.MethodGet, base+"?limit=10", nil)
	require.Equal(t, http.StatusOK, code, r.Error)
	var page service.DataPage
	require.NoError(t, json.Unmarshal(r.Data, &page))
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "imported chunk", page.Items[0].Q)
	assert.Equal(t, rec.ID, page.Items[1].ID)

	code, _ = s.do(t, tok, http.MethodGet, base+"?offset=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	reader := s.token(t, "team1", token.PermRead)
	code, _ = s.do(t, reader, http.MethodPut, "/api/v1/data/"+rec.ID, gin.H{"q": "changed"})
	assert.Equal(t, http.StatusForbidden, code)

	code, r = s.do(t, tok, http.MethodPut, "/api/v1/data/"+rec.ID, gin.H{"q": "changed question", "a": "manual answer"})
	require.Equal(t, http.StatusOK, code, r.Error)
	code, r = s.do(t, reader, http.MethodGet, "/api/v1/data/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, code, r.Error)
	var got model.DataRecord
	require.NoError(t, json.Unmarshal(r.Data, &got))
	assert.Equal(t, "changed question", got.Q)

	code, _ = s.do(t, tok, http.MethodDelete, "/api/v1/data/"+rec.ID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, tok, http.MethodGet, "/api/v1/data/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateFromMultipart(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "team1", token.PermWrite)
	dsID := s.createDataset(t, tok)

	body := newMultipart(t, map[string]string{"type": "file", "chunkSize": "500"}, map[string][]byte{"notes.md": []byte("# Title\n\nbody text")})
	code, r := s.do(t, tok, http.MethodPost, "/api/v1/datasets/"+dsID+"/collections", body)
	require.Equal(t, http.StatusOK, code, r.Error)

	body = newMultipart(t, map[string]string{"type": "file"}, map[string][]byte{"tool.exe": {0x4d, 0x5a}})
	code, _ = s.do(t, tok, http.MethodPost, "/api/v1/datasets/"+dsID+"/collections", body)
	assert.Equal(t, http.StatusBadRequest, code)

	body = newMultipart(t, map[string]string{"type": "backup"}, map[string][]byte{"b.csv": []byte("q,a,indexes\nhello,world\n")})
	code, r = s.do(t, tok, http.MethodPost, "/api/v1/datasets/"+dsID+"/collections", body)
	require.Equal(t, http.StatusOK, code, r.Error)
	var res service.CreateCollectionResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, 1, res.QueuedCount)

	code, r = s.do(t, tok, http.MethodGet, "/api/v1/datasets/"+dsID+"/collections", nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.Collection
	require.NoError(t, json.Unmarshal(r.Data, &list))
	assert.Len(t, list, 2)
}

func TestForbidAndRetryValidation(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "team1", token.PermManage)
	dsID := s.createDataset(t, tok)
	res := s.createText(t, tok, dsID, "something")

	code, _ := s.do(t, tok, http.MethodPut, "/api/v1/collections/"+res.CollectionID+"/forbid", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, r := s.do(t, tok, http.MethodPut, "/api/v1/collections/"+res.CollectionID+"/forbid", gin.H{"forbid": true})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, fmt.Sprintf(`{"collectionIds":[%q]}`, res.CollectionID), string(r.Data))

	code, r = s.do(t, tok, http.MethodPost, "/api/v1/collections/"+res.CollectionID+"/retry", nil)
	require.Equal(t, http.StatusOK, code, r.Error)
	assert.JSONEq(t, `{"count":0}`, string(r.Data))

	code, r = s.do(t, tok, http.MethodGet, "/api/v1/collections/"+res.CollectionID+"/failed", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(r.Data))
}

func TestTeamIsolation(t *testing.T) {
	s := newServer(t)
	owner := s.token(t, "team1", token.PermManage)
	dsID := s.createDataset(t, owner)
	res := s.createText(t, owner, dsID, "private")

	stranger := s.token(t, "team2", token.PermManage)
	code, _ := s.do(t, stranger, http.MethodGet, "/api/v1/collections/"+res.CollectionID+"/status", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, stranger, http.MethodGet, "/api/v1/datasets/"+dsID+"/export", nil)
	assert.Equal(t, http.StatusForbidden, code)

	reader := s.token(t, "team1", token.PermRead)
	code, _ = s.do(t, reader, http.MethodDelete, "/api/v1/datasets/"+dsID, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, "bad", http.MethodGet, "/api/v1/datasets/"+dsID, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSearchValidation(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "team1", token.PermRead)
	code, _ := s.do(t, tok, http.MethodPost, "/api/v1/search", gin.H{"datasetIds": []string{"x"}})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, tok, http.MethodPost, "/api/v1/search", gin.H{"datasetIds": []string{"missing"}, "query": "q"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusStream(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "team1", token.PermManage)
	dsID := s.createDataset(t, tok)
	res := s.createText(t, tok, dsID, "streamed status")

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/collections/" + res.CollectionID + "/status/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var st model.CollectionStatus
	require.NoError(t, conn.ReadJSON(&st))
	assert.EqualValues(t, 1, st.PendingCount)

	s.train(t)
	for st.PendingCount != 0 {
		require.NoError(t, conn.ReadJSON(&st))
	}
	assert.Equal(t, model.PhaseFullyIndexed, st.Phase)
	assert.EqualValues(t, 1, st.IndexedCount)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{normalize.ErrEmptyText, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", service.ErrInvalidArgument), http.StatusBadRequest},
		{service.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: team", service.ErrForbidden), http.StatusForbidden},
		{service.ErrEmbeddingModelLocked, http.StatusConflict},
		{service.ErrCollectionDeleting, http.StatusConflict},
		{dedup.ErrBusy, http.StatusConflict},
		{&embedding.Error{Kind: embedding.Retryable, Code: "embedding_rate_limited", StatusCode: 429}, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusOf(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
