// Package tokens 提供与 embedding 模型同族的 token 计数。
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"dataset-trainer-go/pkg/log"
)

// Counter 计数并按 token 上限截断文本，Truncate 返回的总是 text 的前缀。
type Counter interface {
	Count(text string) int
	Truncate(text string, max int) string
}

// DefaultEncoding OpenAI 兼容 embedding 模型使用的编码。
const DefaultEncoding = "cl100k_base"

var (
	defaultOnce    sync.Once
	defaultCounter Counter
)

// Default 返回进程内共享的计数器，tiktoken 编码表不可用时退化为 Estimator。
func Default() Counter {
	defaultOnce.Do(func() {
		defaultCounter = New(DefaultEncoding)
	})
	return defaultCounter
}

// New 按编码名创建计数器。
func New(encoding string) Counter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		log.Warnf("[Tokens] 加载 %s 失败，使用保守估算: %v", encoding, err)
		return Estimator{}
	}
	return &tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c *tiktokenCounter) Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= max {
		return text
	}
	head := c.enc.Decode(ids[:max])
	// 截断点可能落在多字节字符中间，退回到最长的公共前缀
	n := 0
	for n < len(head) && n < len(text) && head[n] == text[n] {
		n++
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// Estimator 以 UTF-8 字节数作为 token 数的上界，字节级 BPE 的每个 token 至少占一个字节。
type Estimator struct{}

func (Estimator) Count(text string) int {
	return len(text)
}

func (Estimator) Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(text) <= max {
		return text
	}
	n := max
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// SplitToFit 把 text 切成若干段，每段都不超过 max 个 token。
func SplitToFit(c Counter, text string, max int) []string {
	if max <= 0 || c.Count(text) <= max {
		return []string{text}
	}
	var out []string
	rest := text
	for rest != "" {
		head := c.Truncate(rest, max)
		if head == "" {
			_, size := utf8.DecodeRuneInString(rest)
			head = rest[:size]
		}
		if s := strings.TrimSpace(head); s != "" {
			out = append(out, s)
		}
		rest = rest[len(head):]
	}
	return out
}
