// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/tokens"
)

// Result 一批文本的向量与消耗的 token 数。
type Result struct {
	Vectors [][]float32
	Tokens  int
}

// Client defines the interface for an embedding client.
type Client interface {
	Embed(ctx context.Context, texts []string) (Result, error)
	Model() string
}

const defaultBatchSize = 64

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	counter tokens.Counter
}

// NewClient creates a new embedding client.
func NewClient(cfg config.EmbeddingConfig, counter tokens.Counter) Client {
	if counter == nil {
		counter = tokens.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		counter: counter,
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingItem struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Data  []embeddingItem `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompatibleClient) Model() string {
	return c.cfg.Model
}

// prepare 校验输入并按模型上限截断，截断会记录日志；返回每条文本的 token 数。
func (c *openAICompatibleClient) prepare(texts []string) ([]string, []int, error) {
	out := make([]string, len(texts))
	counts := make([]int, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, nil, &Error{Kind: Terminal, Code: CodeEmptyInput}
		}
		n := c.counter.Count(t)
		if c.cfg.MaxTokens > 0 && n > c.cfg.MaxTokens {
			t = c.counter.Truncate(t, c.cfg.MaxTokens)
			log.Warnf("[EmbeddingClient] 输入超过模型上限被截断, model: %s, tokens: %d, max: %d, kept_len: %d",
				c.cfg.Model, n, c.cfg.MaxTokens, len(t))
			n = c.cfg.MaxTokens
		}
		out[i] = t
		counts[i] = n
	}
	return out, counts, nil
}

// span 一次请求覆盖的输入区间。
type span struct {
	start, end, tokens int
}

// batches 按条数上限与 token 预算切分请求，单条超过预算时独占一批。
func (c *openAICompatibleClient) batches(counts []int) []span {
	size := c.cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	var out []span
	cur := span{}
	for i, n := range counts {
		full := cur.end-cur.start >= size || (c.cfg.BatchTokens > 0 && cur.tokens+n > c.cfg.BatchTokens)
		if cur.end > cur.start && full {
			out = append(out, cur)
			cur = span{start: i, end: i}
		}
		cur.end = i + 1
		cur.tokens += n
	}
	return append(out, cur)
}

// Embed calls the OpenAI-compatible API to get vectors for the given texts.
// 输入按 batch_size 与 batch_tokens 分批请求，结果与输入顺序一致。
func (c *openAICompatibleClient) Embed(ctx context.Context, texts []string) (Result, error) {
	if len(texts) == 0 {
		return Result{}, nil
	}
	input, counts, err := c.prepare(texts)
	if err != nil {
		return Result{}, err
	}
	out := Result{Vectors: make([][]float32, 0, len(input))}
	for _, b := range c.batches(counts) {
		res, err := c.embedBatch(ctx, input[b.start:b.end], b.tokens)
		if err != nil {
			return Result{}, err
		}
		out.Vectors = append(out.Vectors, res.Vectors...)
		out.Tokens += res.Tokens
	}
	return out, nil
}

func (c *openAICompatibleClient) embedBatch(ctx context.Context, input []string, counted int) (Result, error) {
	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, batch: %d, tokens: %d", c.cfg.Model, len(input), counted)

	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      input,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		e := classifyStatus(resp)
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s, code: %s, body: %s", resp.Status, e.Code, string(body))
		return Result{}, e
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		log.Errorf("[EmbeddingClient] 解析 Embedding API 响应失败, error: %v", err)
		return Result{}, &Error{Kind: Terminal, Code: CodeMalformedResponse, Err: err}
	}
	if len(embeddingResp.Data) != len(input) {
		return Result{}, &Error{Kind: Terminal, Code: CodeMalformedResponse,
			Err: fmt.Errorf("expected %d vectors, got %d", len(input), len(embeddingResp.Data))}
	}

	// index 不是 0..n-1 的排列时按返回顺序对应输入
	byIndex := isPermutation(embeddingResp.Data, len(input))
	if !byIndex {
		log.Warnf("[EmbeddingClient] 响应 index 不完整，按返回顺序对应输入, model: %s", c.cfg.Model)
	}
	vectors := make([][]float32, len(input))
	for i, d := range embeddingResp.Data {
		idx := i
		if byIndex {
			idx = d.Index
		}
		if len(d.Embedding) == 0 {
			return Result{}, &Error{Kind: Terminal, Code: CodeMalformedResponse, Err: errors.New("empty embedding")}
		}
		if c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions {
			return Result{}, &Error{Kind: Terminal, Code: CodeMalformedResponse,
				Err: fmt.Errorf("dimension mismatch: want %d, got %d", c.cfg.Dimensions, len(d.Embedding))}
		}
		vectors[idx] = d.Embedding
	}

	used := embeddingResp.Usage.TotalTokens
	if used == 0 {
		used = counted
	}
	return Result{Vectors: vectors, Tokens: used}, nil
}

func isPermutation(data []embeddingItem, n int) bool {
	seen := make([]bool, n)
	for _, d := range data {
		if d.Index < 0 || d.Index >= n || seen[d.Index] {
			return false
		}
		seen[d.Index] = true
	}
	return true
}

func classifyStatus(resp *http.Response) *Error {
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		e := &Error{Kind: Retryable, Code: CodeRateLimited, StatusCode: code}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case code == http.StatusRequestTimeout:
		return &Error{Kind: Retryable, Code: CodeTimeout, StatusCode: code}
	case code >= 500:
		return &Error{Kind: Retryable, Code: CodeServerError, StatusCode: code}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Kind: Terminal, Code: CodeUnauthorized, StatusCode: code}
	default:
		return &Error{Kind: Terminal, Code: CodeBadRequest, StatusCode: code}
	}
}

func classifyTransport(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: Retryable, Code: CodeTimeout, Err: err}
	}
	return &Error{Kind: Retryable, Code: CodeNetwork, Err: err}
}
