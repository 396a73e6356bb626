package splitter

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/pkg/tokens"
)

func texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestSplitOneSentencePerChunk(t *testing.T) {
	chunks := Split("Sentence one. Sentence two. Sentence three.", Options{ChunkSize: 12})

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"Sentence one.", "Sentence two.", "Sentence three."}, texts(chunks))
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	chunks := Split("  hello world  ", Options{ChunkSize: 100})
	assert.Equal(t, []string{"hello world"}, texts(chunks))
}

func TestSplitEmptyText(t *testing.T) {
	assert.Empty(t, Split("   \n\n ", Options{ChunkSize: 100}))
}

func TestSplitCustomDelimiter(t *testing.T) {
	chunks := Split("alpha###beta###gamma", Options{ChunkSize: 100, Delimiters: []string{"###"}})
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, texts(chunks))
}

func TestSplitCustomSign(t *testing.T) {
	chunks := Split("first part"+CustomSplitSign+"second part", Options{ChunkSize: 100})
	assert.Equal(t, []string{"first part", "second part"}, texts(chunks))
}

func TestSplitMarkdownNestedTitles(t *testing.T) {
	text := "# A\n\naf da da fda a a \n\n## B\n\n阿凡撒发生的都是发大水\n\n### c\n\ndsgsgfsgs22\n\n#### D\n\ndsgsgfsgs22\n\n##### E\n\ndsgsgfsgs22sddddddd\n"

	chunks := Split(text, Options{ChunkSize: 2000})

	assert.Equal(t, []string{
		"# A\n\naf da da fda a a",
		"# A\n## B\n\n阿凡撒发生的都是发大水",
		"# A\n## B\n### c\n\ndsgsgfsgs22",
		"# A\n## B\n### c\n#### D\n\ndsgsgfsgs22",
		"# A\n## B\n### c\n#### D\n##### E\n\ndsgsgfsgs22sddddddd",
	}, texts(chunks))
}

func TestSplitMarkdownSkippedLevel(t *testing.T) {
	text := "# A\n\naf da da fda a a \n\n### D\n\ndsgsgfsgs22"

	chunks := Split(text, Options{ChunkSize: 2000})

	assert.Equal(t, []string{
		"# A\n\naf da da fda a a",
		"# A\n### D\n\ndsgsgfsgs22",
	}, texts(chunks))
}

func TestSplitCoverageWithoutOverlap(t *testing.T) {
	var b strings.Builder
	for p := 0; p < 6; p++ {
		for s := 0; s < 7; s++ {
			b.WriteString("Paragraph ")
			b.WriteByte(byte('a' + p))
			b.WriteString(" sentence number ")
			b.WriteByte(byte('a' + s))
			b.WriteString(" has some filler words. ")
		}
		b.WriteString("\n\n")
	}
	text := b.String()

	for _, size := range []int{40, 80, 200, 500} {
		chunks := Split(text, Options{ChunkSize: size, ParagraphDeep: -1})
		require.NotEmpty(t, chunks)
		var joined strings.Builder
		for _, c := range chunks {
			joined.WriteString(c.Text)
		}
		assert.Equal(t, stripSpace(text), stripSpace(joined.String()), "chunkSize=%d", size)
	}
}

func TestSplitOverlapRepeatsTail(t *testing.T) {
	var b strings.Builder
	for c := 'a'; c <= 'l'; c++ {
		w := strings.Repeat(string(c), 3)
		b.WriteString(w + " " + w + ". ")
	}
	text := strings.TrimSpace(b.String())

	chunks := Split(text, Options{ChunkSize: 40, OverlapRatio: 0.2})

	require.Greater(t, len(chunks), 1)
	overlapped := false
	for i := 1; i < len(chunks); i++ {
		first := strings.Fields(chunks[i].Text)[0]
		if strings.Contains(chunks[i-1].Text, first) {
			overlapped = true
		}
	}
	assert.True(t, overlapped, "expected some chunk to start with the previous chunk's tail: %q", texts(chunks))
}

func TestSplitHardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("x", 95)

	chunks := Split(text, Options{ChunkSize: 30})

	// 末尾不足 0.4 倍的残片并入上一块
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Text, 30)
	assert.Len(t, chunks[1].Text, 30)
	assert.Len(t, chunks[2].Text, 35)
	assert.Equal(t, text, strings.Join(texts(chunks), ""))
}

func TestSplitKeepsCodeBlockIntact(t *testing.T) {
	code := "```go\nfunc main() {\n\tprintln(1)\n}\n```"
	text := "Intro line.\n\n" + code + "\n\nOutro line."

	chunks := Split(text, Options{ChunkSize: 20, MaxSize: 200})

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "func main() {\n\tprintln(1)\n}") {
			found = true
		}
	}
	assert.True(t, found, "code block should stay in one chunk: %q", texts(chunks))
}

func TestSplitMarkdownTableRepeatsHeader(t *testing.T) {
	var b strings.Builder
	b.WriteString("| name | value |\n| --- | --- |\n")
	for i := 0; i < 20; i++ {
		b.WriteString("| row" + strings.Repeat("x", 10) + " | v |\n")
	}

	chunks := Split(b.String(), Options{ChunkSize: 50, MaxSize: 60})

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c.Text, "| name | value |\n| --- | --- |"), c.Text)
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := "第一段。第二句！第三句？\n\n第二段，有逗号；还有分号。"
	opts := Options{ChunkSize: 6, OverlapRatio: 0.2}
	assert.Equal(t, Split(text, opts), Split(text, opts))
}

func TestSplitTriggerMinSize(t *testing.T) {
	chunks := Split("one. two. three.", Options{ChunkSize: 4, TriggerMinSize: 100})
	assert.Equal(t, []string{"one. two. three."}, texts(chunks))
}

func TestSplitRespectsTokenCap(t *testing.T) {
	counter := tokens.Estimator{}
	chunks := Split(strings.Repeat("word ", 60), Options{ChunkSize: 1000, Counter: counter, MaxTokens: 50})

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, counter.Count(c.Text), 50)
	}
}
