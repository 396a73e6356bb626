// Package llm 封装 QA 拆分与图片描述使用的大模型调用。
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/pkg/log"
)

// ErrGenerate 模型调用或响应解析失败。
var ErrGenerate = errors.New("llm generate failed")

// QAPair 一组由模型生成的问答。
type QAPair struct {
	Q string `json:"q"`
	A string `json:"a"`
}

// Usage 一次调用消耗的 token。
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

// Generator 训练 worker 依赖的模型能力。
type Generator interface {
	GenerateQA(ctx context.Context, text string) ([]QAPair, Usage, error)
	DescribeImage(ctx context.Context, mimeType string, data []byte) (string, Usage, error)
}

type client struct {
	cfg   config.LLMConfig
	model llms.Model
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) (Generator, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init llm client: %w", err)
	}
	return &client{cfg: cfg, model: m}, nil
}

const qaSystemPrompt = `你是一个知识整理助手。阅读 <Context></Context> 中的资料，从中提炼若干个问题并给出答案。
要求:
1. 问题覆盖资料的主要内容，答案需详细完整，可以使用 markdown。
2. 答案只能来自资料本身，不要编造。
3. 最多生成 %d 组问答。
只输出 JSON，格式为 {"pairs":[{"q":"问题","a":"答案"}]}`

const imagePrompt = "请详细描述这张图片的内容，包括其中出现的文字、物体、场景和关键信息，用于后续的检索。"

func (c *client) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// GenerateQA 从一段文本中生成问答对。
func (c *client) GenerateQA(ctx context.Context, text string) ([]QAPair, Usage, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	maxPairs := c.cfg.MaxQAPairs
	if maxPairs <= 0 {
		maxPairs = 50
	}
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(qaSystemPrompt, maxPairs)),
		llms.TextParts(llms.ChatMessageTypeHuman, "<Context>\n"+text+"\n</Context>"),
	}
	resp, err := c.model.GenerateContent(ctx, content, llms.WithTemperature(0.3), llms.WithJSONMode())
	if err != nil {
		log.Errorf("[LLMClient] QA 生成调用失败, model: %s, error: %v", c.cfg.Model, err)
		return nil, Usage{}, fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	usage := usageOf(c.cfg.Model, resp)
	if len(resp.Choices) == 0 {
		return nil, usage, fmt.Errorf("%w: no choices", ErrGenerate)
	}
	pairs, err := ParseQA(resp.Choices[0].Content)
	if err != nil {
		log.Warnf("[LLMClient] 解析 QA 响应失败: %v", err)
		return nil, usage, err
	}
	if len(pairs) > maxPairs {
		pairs = pairs[:maxPairs]
	}
	return pairs, usage, nil
}

// DescribeImage 调用视觉模型为图片生成文字描述。
func (c *client) DescribeImage(ctx context.Context, mimeType string, data []byte) (string, Usage, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	model := c.cfg.VisionModel
	if model == "" {
		model = c.cfg.Model
	}
	content := []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.TextPart(imagePrompt),
			llms.BinaryPart(mimeType, data),
		},
	}}
	resp, err := c.model.GenerateContent(ctx, content, llms.WithModel(model), llms.WithTemperature(0))
	if err != nil {
		log.Errorf("[LLMClient] 图片描述调用失败, model: %s, error: %v", model, err)
		return "", Usage{}, fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	usage := usageOf(model, resp)
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", usage, fmt.Errorf("%w: empty caption", ErrGenerate)
	}
	return strings.TrimSpace(resp.Choices[0].Content), usage, nil
}

type qaEnvelope struct {
	Pairs []QAPair `json:"pairs"`
}

// ParseQA 解析模型返回的问答 JSON，兼容 markdown 代码块包裹与裸数组两种形式。
func ParseQA(raw string) ([]QAPair, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var pairs []QAPair
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &pairs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerate, err)
		}
	} else {
		var env qaEnvelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerate, err)
		}
		pairs = env.Pairs
	}

	out := pairs[:0]
	for _, p := range pairs {
		p.Q = strings.TrimSpace(p.Q)
		p.A = strings.TrimSpace(p.A)
		if p.Q == "" || p.A == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func usageOf(model string, resp *llms.ContentResponse) Usage {
	u := Usage{Model: model}
	if resp == nil || len(resp.Choices) == 0 {
		return u
	}
	info := resp.Choices[0].GenerationInfo
	u.InputTokens = intOf(info["PromptTokens"])
	u.OutputTokens = intOf(info["CompletionTokens"])
	return u
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
