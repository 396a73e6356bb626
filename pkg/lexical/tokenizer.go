// Package lexical 为全文检索生成词元。
package lexical

import (
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// Locale 影响停用词表。
type Locale string

const (
	LocaleAuto Locale = ""
	LocaleEN   Locale = "en"
	LocaleZH   Locale = "zh"
)

const (
	minTermLen = 2
	maxTermLen = 64
)

var englishStops = toSet(
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "if", "in", "into", "is", "it",
	"no", "not", "of", "on", "or", "such", "that", "the", "their", "then", "there", "these",
	"they", "this", "to", "was", "will", "with", "we", "you", "i", "he", "she", "do", "does",
)

var chineseStops = toSet(
	"的", "了", "和", "是", "在", "我", "有", "就", "不", "人", "都", "一", "也", "很", "到", "说", "要", "去",
	"你", "会", "着", "没有", "看", "好", "这", "那", "与", "及", "或", "之", "其",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Tokenize 返回去重后的小写词元，顺序与首次出现一致。
// 拉丁文本由 prose 切词，汉字序列产出单字与相邻二元组。无法识别的输入返回空切片。
func Tokenize(text string, locale Locale) (tokens []string) {
	defer func() {
		if recover() != nil {
			tokens = []string{}
		}
	}()

	text = strings.ToValidUTF8(text, " ")
	seen := make(map[string]struct{})
	tokens = []string{}
	add := func(tok string) {
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	for _, run := range splitRuns(text) {
		if run.han {
			for _, t := range hanTerms(run.text, locale) {
				add(t)
			}
			continue
		}
		for _, t := range latinTerms(run.text, locale) {
			add(t)
		}
	}
	return tokens
}

type textRun struct {
	text string
	han  bool
}

// splitRuns 把文本切成汉字段与非汉字段。
func splitRuns(text string) []textRun {
	var runs []textRun
	var b strings.Builder
	cur := false
	flush := func() {
		if b.Len() > 0 {
			runs = append(runs, textRun{text: b.String(), han: cur})
			b.Reset()
		}
	}
	for _, r := range text {
		isHan := unicode.Is(unicode.Han, r)
		if isHan != cur {
			flush()
			cur = isHan
		}
		b.WriteRune(r)
	}
	flush()
	return runs
}

func hanTerms(run string, locale Locale) []string {
	rs := []rune(run)
	var out []string
	for i, r := range rs {
		uni := string(r)
		if !stopped(uni, locale) {
			out = append(out, uni)
		}
		if i+1 < len(rs) {
			bi := string(rs[i : i+2])
			if !stopped(bi, locale) {
				out = append(out, bi)
			}
		}
	}
	return out
}

func latinTerms(run string, locale Locale) []string {
	if strings.TrimSpace(run) == "" {
		return nil
	}
	var words []string
	doc, err := prose.NewDocument(run,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false))
	if err == nil {
		for _, tok := range doc.Tokens() {
			words = append(words, tok.Text)
		}
	} else {
		words = strings.FieldsFunc(run, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
	}

	var out []string
	for _, w := range words {
		w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
		if !meaningful(w) || stopped(w, locale) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func meaningful(w string) bool {
	n := len([]rune(w))
	if n > maxTermLen {
		return false
	}
	hasAlnum, allDigits := false, true
	for _, r := range w {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
		}
		if !unicode.IsDigit(r) {
			allDigits = false
		}
	}
	if !hasAlnum {
		return false
	}
	return n >= minTermLen || allDigits
}

func stopped(w string, locale Locale) bool {
	switch locale {
	case LocaleEN:
		_, ok := englishStops[w]
		return ok
	case LocaleZH:
		_, ok := chineseStops[w]
		return ok
	}
	_, en := englishStops[w]
	_, zh := chineseStops[w]
	return en || zh
}

// Join 以空格拼接词元，写入 fullTextTokens 字段。
func Join(tokens []string) string {
	return strings.Join(tokens, " ")
}
