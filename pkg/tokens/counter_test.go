package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimatorIsUpperBoundOnBytes(t *testing.T) {
	var e Estimator
	assert.Equal(t, 5, e.Count("hello"))
	assert.Equal(t, 6, e.Count("中文"))
}

func TestEstimatorTruncateKeepsRuneBoundary(t *testing.T) {
	var e Estimator
	got := e.Truncate("中文字", 4)
	assert.Equal(t, "中", got)
	assert.True(t, strings.HasPrefix("中文字", got))
	assert.Equal(t, "abc", e.Truncate("abc", 10))
	assert.Empty(t, e.Truncate("abc", 0))
}

func TestSplitToFit(t *testing.T) {
	var e Estimator
	parts := SplitToFit(e, "abcdefghij", 4)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, parts)
	for _, p := range parts {
		assert.LessOrEqual(t, e.Count(p), 4)
	}
	assert.Equal(t, []string{"short"}, SplitToFit(e, "short", 10))
}
