package model

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIndexText(t *testing.T) {
	assert.Equal(t, "q", DefaultIndexText(" q ", ""))
	assert.Equal(t, "q\na", DefaultIndexText("q", "a"))
	assert.Equal(t, "a", DefaultIndexText("", "a"))
}

func TestNormalizeIndexesPutsDefaultFirst(t *testing.T) {
	got := NormalizeIndexes("question", "answer", []DataIndex{
		{Type: IndexChunk, Text: "extra", VectorID: "stale"},
		{Type: IndexQA, Text: "question\nanswer"},
		{Text: "  "},
	})

	assert.Len(t, got, 2)
	assert.True(t, got[0].DefaultIndex)
	assert.Equal(t, IndexQA, got[0].Type)
	assert.Equal(t, "question\nanswer", got[0].Text)
	assert.Equal(t, "extra", got[1].Text)
	assert.Empty(t, got[1].VectorID)
}

func TestNormalizeIndexesCapsCount(t *testing.T) {
	var in []DataIndex
	for i := 0; i < 10; i++ {
		in = append(in, DataIndex{Text: fmt.Sprintf("idx-%d", i)})
	}
	got := NormalizeIndexes("q", "", in)
	assert.Len(t, got, MaxIndexes)
	assert.Equal(t, IndexChunk, got[1].Type)
}

func TestDerivePhase(t *testing.T) {
	assert.Equal(t, PhaseFullyIndexed, DerivePhase(0, 0, 0))
	assert.Equal(t, PhaseFullyIndexed, DerivePhase(0, 0, 4))
	assert.Equal(t, PhaseQueued, DerivePhase(3, 0, 0))
	assert.Equal(t, PhasePartiallyIndexed, DerivePhase(1, 1, 2))
}

func TestLocalTimeJSON(t *testing.T) {
	ts := LocalTime(time.Date(2024, 3, 5, 8, 9, 10, 0, time.Local))
	b, err := json.Marshal(ts)
	assert.NoError(t, err)
	assert.Equal(t, `"2024-03-05 08:09:10"`, string(b))

	var back LocalTime
	assert.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, time.Time(ts).Equal(time.Time(back)))

	zero, _ := json.Marshal(LocalTime{})
	assert.Equal(t, `""`, string(zero))
}
