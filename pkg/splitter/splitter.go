// Package splitter 把规范化后的文本切分为有序分块。
//
// 切分按步骤逐级进行：自定义分隔符、Markdown 标题、代码块、表格、段落、换行、
// 句读标点。某一级切出的片段仍然过长时进入下一级，所有步骤都用完后按长度硬切。
// 相同的输入与参数总是得到相同的输出。
package splitter

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"dataset-trainer-go/pkg/tokens"
)

// CustomSplitSign 文本中出现该标记时强制在此处断开。
const CustomSplitSign = "-----CUSTOM_SPLIT_SIGN-----"

const (
	splitMarker     = "SPLIT_HERE_SPLIT_HERE"
	codeBlockMarker = "CODE_BLOCK_LINE_MARKER"

	defaultChunkSize     = 1000
	defaultMaxSize       = 8000
	defaultParagraphDeep = 5
	maxParagraphDeep     = 8
)

// Options 控制切分行为。
type Options struct {
	// ChunkSize 单个分块的目标长度（非空白字符数）
	ChunkSize int
	// OverlapRatio 相邻分块重叠比例，只在换行及句读级别生效
	OverlapRatio float64
	// Delimiters 自定义分隔符，每项内可用 | 分隔多个候选，\n 表示换行
	Delimiters []string
	// MaxSize 代码块、表格允许的最大长度
	MaxSize int
	// ParagraphDeep Markdown 标题参与切分的层级数，0 使用默认值，负数关闭
	ParagraphDeep int
	// TriggerMinSize 大于 0 时，短于该长度的文本不切分
	TriggerMinSize int
	// Counter 与 MaxTokens 同时设置时，超过 token 上限的分块会被继续硬切
	Counter   tokens.Counter
	MaxTokens int
}

// Chunk 一个分块，Index 从 0 开始保持原文顺序。
type Chunk struct {
	Index int    `json:"chunkIndex"`
	Text  string `json:"text"`
}

type stepKind int

const (
	stepCustom stepKind = iota
	stepMarkdown
	stepStructure
)

type step struct {
	kind     stepKind
	re       *regexp.Regexp
	literals []string
	maxLen   int
	overlap  bool
}

type piece struct {
	text    string
	title   string
	maxSize int
}

var (
	codeBlockRe  = regexp.MustCompile("```[\\s\\S]*?```|~~~[\\s\\S]*?~~~")
	manyNewlines = regexp.MustCompile(`(\r?\n|\r){3,}`)
	tableSepRe   = regexp.MustCompile(`^(\|[\s:]*-+[\s:]*)+\|$`)
)

// Split 切分文本，返回去除首尾空白后的非空分块。
func Split(text string, opts Options) []Chunk {
	opts = withDefaults(opts)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if opts.TriggerMinSize > 0 && validLength(text) < opts.TriggerMinSize {
		return number(capTokens([]string{simpleText(text)}, opts))
	}

	var raw []string
	for _, part := range strings.Split(text, CustomSplitSign) {
		if isMarkdownTable(part) {
			raw = append(raw, splitMarkdownTable(part, opts)...)
			continue
		}
		raw = append(raw, newSplitter(opts).split(part)...)
	}

	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c = simpleText(c); c != "" {
			out = append(out, c)
		}
	}
	return number(capTokens(out, opts))
}

func withDefaults(opts Options) Options {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.MaxSize < opts.ChunkSize {
		opts.MaxSize = opts.ChunkSize
	}
	if opts.ParagraphDeep == 0 {
		opts.ParagraphDeep = defaultParagraphDeep
	}
	if opts.ParagraphDeep > maxParagraphDeep {
		opts.ParagraphDeep = maxParagraphDeep
	}
	if opts.OverlapRatio < 0 {
		opts.OverlapRatio = 0
	}
	if opts.OverlapRatio > 1 {
		opts.OverlapRatio = 1
	}
	return opts
}

func number(texts []string) []Chunk {
	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{Index: i, Text: t}
	}
	return chunks
}

func capTokens(texts []string, opts Options) []string {
	if opts.Counter == nil || opts.MaxTokens <= 0 {
		return texts
	}
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		out = append(out, tokens.SplitToFit(opts.Counter, t, opts.MaxTokens)...)
	}
	return out
}

type textSplitter struct {
	chunkSize     int
	maxSize       int
	overlapLen    int
	maxOverlapLen int
	steps         []step
	lastMarkdown  int
}

func newSplitter(opts Options) *textSplitter {
	s := &textSplitter{
		chunkSize:     opts.ChunkSize,
		maxSize:       opts.MaxSize,
		overlapLen:    int(math.Round(float64(opts.ChunkSize) * opts.OverlapRatio)),
		maxOverlapLen: int(float64(opts.ChunkSize) * 0.4),
		lastMarkdown:  -1,
	}

	for _, d := range opts.Delimiters {
		d = strings.ReplaceAll(d, `\n`, "\n")
		var lits []string
		for _, l := range strings.Split(d, "|") {
			if l != "" {
				lits = append(lits, l)
			}
		}
		if len(lits) > 0 {
			s.steps = append(s.steps, step{kind: stepCustom, literals: lits, maxLen: s.chunkSize})
		}
	}
	for i := 1; i <= opts.ParagraphDeep; i++ {
		re := regexp.MustCompile(`(?m)^(` + strings.Repeat("#", i) + `\s[^\n]+\n)`)
		s.steps = append(s.steps, step{kind: stepMarkdown, re: re, maxLen: s.chunkSize})
		s.lastMarkdown = len(s.steps) - 1
	}
	s.steps = append(s.steps,
		step{kind: stepStructure, re: regexp.MustCompile("(\\n(?:```[\\s\\S]*?```|~~~[\\s\\S]*?~~~))"), maxLen: s.maxSize},
		step{kind: stepStructure, re: regexp.MustCompile(`(\n\|(?:(?:[^\n|]+\|){1,})\n\|(?:[:\-\s]+\|){1,}\n(?:\|(?:[^\n|]+\|)*\n)*)`), maxLen: s.maxSize},
		step{kind: stepStructure, re: regexp.MustCompile(`(\n{2,})`), maxLen: s.chunkSize},
		step{kind: stepStructure, re: regexp.MustCompile(`(\n)`), maxLen: s.chunkSize, overlap: true},
		step{kind: stepStructure, re: regexp.MustCompile(`(。|[a-zA-Z]\.\s)`), maxLen: s.chunkSize, overlap: true},
		step{kind: stepStructure, re: regexp.MustCompile(`(！|!\s)`), maxLen: s.chunkSize, overlap: true},
		step{kind: stepStructure, re: regexp.MustCompile(`(？|\?\s)`), maxLen: s.chunkSize, overlap: true},
		step{kind: stepStructure, re: regexp.MustCompile(`(；|;\s)`), maxLen: s.chunkSize, overlap: true},
		step{kind: stepStructure, re: regexp.MustCompile(`(，|,\s)`), maxLen: s.chunkSize, overlap: true},
	)
	return s
}

func (s *textSplitter) split(text string) []string {
	// 代码块内的换行先替换掉，避免被段落规则拆开
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ReplaceAll(m, "\n", codeBlockMarker)
	})
	text = manyNewlines.ReplaceAllString(text, "\n\n\n")

	chunks := s.splitRecursively(text, 0, "", "")
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, strings.TrimSpace(strings.ReplaceAll(c, codeBlockMarker, "\n")))
	}
	return out
}

func (s *textSplitter) pieces(text string, i int) []piece {
	if i >= len(s.steps) {
		return []piece{{text: text, maxSize: s.chunkSize}}
	}
	st := s.steps[i]

	var replaced string
	switch st.kind {
	case stepCustom:
		replaced = text
		for _, l := range st.literals {
			replaced = strings.ReplaceAll(replaced, l, splitMarker)
		}
	case stepMarkdown:
		replaced = st.re.ReplaceAllString(text, splitMarker+"${1}")
	default:
		replaced = st.re.ReplaceAllString(text, "${1}"+splitMarker)
	}

	var out []piece
	for _, part := range strings.Split(replaced, splitMarker) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p := piece{text: part, maxSize: s.chunkSize}
		if st.re != nil && st.re.MatchString(part) {
			p.maxSize = st.maxLen
		}
		if st.kind == stepMarkdown {
			p.title = st.re.FindString(part)
			p.text = strings.Replace(part, p.title, "", 1)
		}
		if p.title == "" && strings.TrimSpace(p.text) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// overlapText 取 text 末尾若干完整片段作为下一个分块的开头。
func (s *textSplitter) overlapText(text string, i int) string {
	if i >= len(s.steps) || !s.steps[i].overlap || s.overlapLen == 0 {
		return ""
	}
	parts := s.pieces(text, i)
	overlay := ""
	for j := len(parts) - 1; j >= 0; j-- {
		next := parts[j].text + overlay
		n := validLength(next)
		if n > s.overlapLen {
			if n > s.maxOverlapLen {
				if t := s.overlapText(next, i+1); t != "" {
					return t
				}
				return overlay
			}
			return next
		}
		overlay = next
	}
	return overlay
}

func (s *textSplitter) splitRecursively(text string, i int, lastText, parentTitle string) []string {
	if i >= len(s.steps) {
		return s.hardCut(lastText + text)
	}

	isMarkdown := s.steps[i].kind == stepMarkdown
	forbidConcat := s.steps[i].kind == stepCustom
	parts := s.pieces(text, i)
	var chunks []string
	// carried 为 true 时 lastText 只是上一个分块的重叠尾部
	carried := false

	for j := 0; j < len(parts); j++ {
		p := parts[j]
		maxLen := p.maxSize
		newText := lastText + p.text
		newLen := validLength(newText)

		if isMarkdown {
			inner := s.splitRecursively(newText, i+1, "", parentTitle+p.title)
			if len(inner) == 0 {
				chunks = append(chunks, parentTitle+p.title)
				continue
			}
			for _, c := range inner {
				// 最深一级标题处补上完整的标题链
				if i == s.lastMarkdown {
					c = parentTitle + p.title + c
				}
				chunks = append(chunks, c)
			}
			continue
		}

		if newLen > maxLen {
			minChunkLen := float64(maxLen) * 0.8
			maxChunkLen := float64(maxLen) * 1.2

			if float64(newLen) < maxChunkLen {
				chunks = append(chunks, newText)
				lastText, carried = s.overlapText(newText, i), true
				continue
			}
			if float64(validLength(lastText)) > minChunkLen {
				chunks = append(chunks, lastText)
				lastText, carried = s.overlapText(lastText, i), true
				j--
				continue
			}

			inner := s.splitRecursively(p.text, i+1, lastText, parentTitle+p.title)
			if len(inner) == 0 {
				continue
			}
			tail := inner[len(inner)-1]
			if float64(validLength(tail)) < minChunkLen {
				chunks = append(chunks, inner[:len(inner)-1]...)
				lastText, carried = tail, false
				continue
			}
			chunks = append(chunks, inner...)
			lastText, carried = s.overlapText(tail, i), true
			continue
		}

		if forbidConcat {
			chunks = append(chunks, p.text)
			continue
		}
		lastText, carried = newText, false
	}

	// 末尾剩余的文本：很短则并入上一个分块，否则单独成块
	if lastText != "" {
		switch {
		case len(chunks) == 0:
			chunks = append(chunks, lastText)
		case !carried:
			if float64(validLength(lastText)) < float64(s.chunkSize)*0.4 {
				chunks[len(chunks)-1] += lastText
			} else {
				chunks = append(chunks, lastText)
			}
		}
	}
	return chunks
}

// hardCut 没有可用的边界时按字符数切分。
func (s *textSplitter) hardCut(text string) []string {
	runes := []rune(text)
	if len(runes) <= s.chunkSize {
		return []string{text}
	}
	stride := s.chunkSize - s.overlapLen
	if stride <= 0 {
		stride = s.chunkSize
	}
	var out []string
	for start := 0; start < len(runes); start += stride {
		end := start + s.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

func isMarkdownTable(text string) bool {
	if !strings.Contains(text, "|") {
		return false
	}
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.TrimSpace(l))
		}
	}
	if len(lines) < 2 {
		return false
	}
	if !strings.HasPrefix(lines[0], "|") || !strings.HasSuffix(lines[0], "|") {
		return false
	}
	if !tableSepRe.MatchString(lines[1]) {
		return false
	}
	for _, l := range lines[2:] {
		if !strings.HasPrefix(l, "|") || !strings.HasSuffix(l, "|") {
			return false
		}
	}
	return true
}

// splitMarkdownTable 按行切分表格，每个分块都重复表头。
func splitMarkdownTable(text string, opts Options) []string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	header := lines[0]
	cols := strings.Count(header, "|") - 1
	if cols < 1 {
		cols = 1
	}
	sep := "| " + strings.TrimSuffix(strings.Repeat("--- | ", cols), " ")
	head := header + "\n" + sep + "\n"

	limit := math.Max(float64(opts.ChunkSize), float64(opts.MaxSize)*0.8)
	var chunks []string
	chunk := head
	for _, line := range lines[2:] {
		if float64(validLength(chunk)+validLength(line)) > limit && chunk != head {
			chunks = append(chunks, chunk)
			chunk = head
		}
		chunk += line + "\n"
	}
	return append(chunks, chunk)
}

// validLength 非空白字符数。
func validLength(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func simpleText(s string) string {
	s = strings.TrimSpace(s)
	return manyNewlines.ReplaceAllString(s, "\n\n")
}
